package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
)

// CORSConfig controls the CORS middleware. Zero values mean allow any
// origin with the common methods.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // seconds a preflight may be cached
}

// CORS answers preflight requests and stamps the allow-origin headers on
// everything else.
func CORS(cfg CORSConfig) Middleware {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	if headers == "" {
		headers = "Content-Type, Authorization"
	}
	maxAge := "600"
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(cfg.MaxAge)
	}

	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, resp *http.Response) {
			origin := req.Header([]byte("Origin"))
			if origin == nil {
				next.Serve(req, resp)
				return
			}
			allowed := resolveOrigin(cfg.AllowedOrigins, origin)
			if allowed == "" {
				next.Serve(req, resp)
				return
			}

			resp.SetHeader("Access-Control-Allow-Origin", allowed)
			resp.SetHeader("Vary", "Origin")

			if bytes.Equal(req.Method(), []byte("OPTIONS")) {
				resp.SetStatus(http.StatusNoContent)
				resp.SetHeader("Access-Control-Allow-Methods", methods)
				resp.SetHeader("Access-Control-Allow-Headers", headers)
				resp.SetHeader("Access-Control-Max-Age", maxAge)
				return
			}
			next.Serve(req, resp)
		})
	}
}

// resolveOrigin returns the header value to send back, or "" to skip CORS
// headers entirely.
func resolveOrigin(allowed []string, origin []byte) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if len(a) == len(origin) && a == string(origin) {
			return a
		}
	}
	return ""
}
