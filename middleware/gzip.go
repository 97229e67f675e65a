package middleware

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
)

// gzipWriters recycles compressors; construction is far more expensive
// than a Reset.
var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// Gzip compresses response bodies for clients that accept it. Bodies
// smaller than minSize are left alone: the gzip framing would eat the
// savings.
func Gzip(minSize int) Middleware {
	if minSize <= 0 {
		minSize = 1024
	}
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, resp *http.Response) {
			next.Serve(req, resp)

			if resp.BodyLen() < minSize {
				return
			}
			if !acceptsGzip(req.Header([]byte("Accept-Encoding"))) {
				return
			}
			if resp.Header("Content-Encoding") != "" {
				return
			}

			scratch := bytebufferpool.Get()
			w := gzipWriters.Get().(*gzip.Writer)
			w.Reset(scratch)
			_, werr := w.Write(resp.BodyBytes())
			cerr := w.Close()
			gzipWriters.Put(w)

			if werr == nil && cerr == nil && scratch.Len() < resp.BodyLen() {
				resp.SetBody(scratch.B)
				resp.SetHeader("Content-Encoding", "gzip")
				resp.SetHeader("Vary", "Accept-Encoding")
			}
			bytebufferpool.Put(scratch)
		})
	}
}

func acceptsGzip(accept []byte) bool {
	for len(accept) > 0 {
		token := accept
		if i := bytes.IndexByte(accept, ','); i >= 0 {
			token, accept = accept[:i], accept[i+1:]
		} else {
			accept = nil
		}
		token = bytes.TrimSpace(token)
		if i := bytes.IndexByte(token, ';'); i >= 0 {
			token = bytes.TrimSpace(token[:i])
		}
		if bytes.EqualFold(token, []byte("gzip")) || bytes.Equal(token, []byte("*")) {
			return true
		}
	}
	return false
}
