package observability

import (
	"fmt"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"
)

// Stats is the engine-wide counter set. Event loops update it with plain
// atomic adds on their own goroutines; collectors on any goroutine read it
// through Snapshot. There is no other synchronization.
type Stats struct {
	ConnsAccepted   atomic.Uint64
	ConnsActive     atomic.Int64
	ConnsClosed     atomic.Uint64
	Requests        atomic.Uint64
	BytesRead       atomic.Uint64
	BytesWritten    atomic.Uint64
	ParseErrors     atomic.Uint64
	PanicsRecovered atomic.Uint64
	Shed            atomic.Uint64
}

// Snapshot is a point-in-time copy of every counter plus the aggregated
// buffer-pool figures the engine folds in.
type Snapshot struct {
	ConnsAccepted   uint64
	ConnsActive     int64
	ConnsClosed     uint64
	Requests        uint64
	BytesRead       uint64
	BytesWritten    uint64
	ParseErrors     uint64
	PanicsRecovered uint64
	Shed            uint64

	PoolCheckouts uint64
	PoolReleases  uint64
	PoolMisses    uint64
	PoolResident  int64
}

// Snapshot reads all counters. Individual reads are atomic; the set as a
// whole is only approximately consistent, which is fine for monitoring.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnsAccepted:   s.ConnsAccepted.Load(),
		ConnsActive:     s.ConnsActive.Load(),
		ConnsClosed:     s.ConnsClosed.Load(),
		Requests:        s.Requests.Load(),
		BytesRead:       s.BytesRead.Load(),
		BytesWritten:    s.BytesWritten.Load(),
		ParseErrors:     s.ParseErrors.Load(),
		PanicsRecovered: s.PanicsRecovered.Load(),
		Shed:            s.Shed.Load(),
	}
}

func (sn Snapshot) String() string {
	return fmt.Sprintf(
		"conns accepted=%d active=%d closed=%d | requests=%d | bytes in=%d out=%d | errors parse=%d panic=%d shed=%d | pool out=%d in=%d miss=%d resident=%d",
		sn.ConnsAccepted, sn.ConnsActive, sn.ConnsClosed,
		sn.Requests,
		sn.BytesRead, sn.BytesWritten,
		sn.ParseErrors, sn.PanicsRecovered, sn.Shed,
		sn.PoolCheckouts, sn.PoolReleases, sn.PoolMisses, sn.PoolResident,
	)
}

// Wire field numbers for the snapshot message. They are append-only: new
// counters take fresh numbers, retired ones are never reused.
const (
	fieldConnsAccepted   = 1
	fieldConnsActive     = 2
	fieldConnsClosed     = 3
	fieldRequests        = 4
	fieldBytesRead       = 5
	fieldBytesWritten    = 6
	fieldParseErrors     = 7
	fieldPanicsRecovered = 8
	fieldShed            = 9
	fieldPoolCheckouts   = 10
	fieldPoolReleases    = 11
	fieldPoolMisses      = 12
	fieldPoolResident    = 13
)

// MarshalProto encodes the snapshot as a protobuf message for scrapers that
// want a stable binary form.
func (sn Snapshot) MarshalProto() []byte {
	b := make([]byte, 0, 128)
	b = appendUint(b, fieldConnsAccepted, sn.ConnsAccepted)
	b = appendInt(b, fieldConnsActive, sn.ConnsActive)
	b = appendUint(b, fieldConnsClosed, sn.ConnsClosed)
	b = appendUint(b, fieldRequests, sn.Requests)
	b = appendUint(b, fieldBytesRead, sn.BytesRead)
	b = appendUint(b, fieldBytesWritten, sn.BytesWritten)
	b = appendUint(b, fieldParseErrors, sn.ParseErrors)
	b = appendUint(b, fieldPanicsRecovered, sn.PanicsRecovered)
	b = appendUint(b, fieldShed, sn.Shed)
	b = appendUint(b, fieldPoolCheckouts, sn.PoolCheckouts)
	b = appendUint(b, fieldPoolReleases, sn.PoolReleases)
	b = appendUint(b, fieldPoolMisses, sn.PoolMisses)
	b = appendInt(b, fieldPoolResident, sn.PoolResident)
	return b
}

// UnmarshalProto decodes a snapshot produced by MarshalProto. Unknown
// fields are skipped so old readers survive new counters.
func (sn *Snapshot) UnmarshalProto(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldConnsAccepted:
			sn.ConnsAccepted = v
		case fieldConnsActive:
			sn.ConnsActive = protowire.DecodeZigZag(v)
		case fieldConnsClosed:
			sn.ConnsClosed = v
		case fieldRequests:
			sn.Requests = v
		case fieldBytesRead:
			sn.BytesRead = v
		case fieldBytesWritten:
			sn.BytesWritten = v
		case fieldParseErrors:
			sn.ParseErrors = v
		case fieldPanicsRecovered:
			sn.PanicsRecovered = v
		case fieldShed:
			sn.Shed = v
		case fieldPoolCheckouts:
			sn.PoolCheckouts = v
		case fieldPoolReleases:
			sn.PoolReleases = v
		case fieldPoolMisses:
			sn.PoolMisses = v
		case fieldPoolResident:
			sn.PoolResident = protowire.DecodeZigZag(v)
		}
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}
