// Package envelope shapes every response line the coordinator writes to
// its output stream: a single JSON object, newline-terminated, carrying
// either success data or a typed failure.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// ErrBody is the failure shape carried under "err".
type ErrBody struct {
	Code string         `json:"code"`
	Msg  string         `json:"msg"`
	Ctx  map[string]any `json:"ctx,omitempty"`
}

// State is the minimal snapshot every success envelope carries.
type State struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	// Extra carries additional counts (e.g. per-status breakdowns) without
	// widening the required shape.
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside Total/Active.
func (s State) MarshalJSON() ([]byte, error) {
	m := map[string]any{"total": s.Total, "active": s.Active}
	for k, v := range s.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// Envelope is the canonical wire response. Exactly one of the success or
// failure field groups is populated, selected by Ok.
type Envelope struct {
	Ok    bool     `json:"ok"`
	Rid   string   `json:"rid,omitempty"`
	T     int64    `json:"t"`
	Ms    int64    `json:"ms"`
	D     any      `json:"d,omitempty"`
	Next  string   `json:"next,omitempty"`
	State *State   `json:"state,omitempty"`
	Err   *ErrBody `json:"err,omitempty"`
	Fix   string   `json:"fix,omitempty"`
}

// Builder accumulates timing for one request and produces its envelope.
type Builder struct {
	rid   string
	start time.Time
}

// NewBuilder starts timing a request carrying the given (possibly empty)
// request id.
func NewBuilder(rid string) *Builder {
	return &Builder{rid: rid, start: time.Now()}
}

func (b *Builder) elapsedMs() int64 {
	return int64(time.Since(b.start) / time.Millisecond)
}

// Success builds an ok=true envelope.
func (b *Builder) Success(d any, next string, state *State) Envelope {
	return Envelope{
		Ok:    true,
		Rid:   b.rid,
		T:     time.Now().Unix(),
		Ms:    b.elapsedMs(),
		D:     d,
		Next:  next,
		State: state,
	}
}

// Failure builds an ok=false envelope from a taxonomy error.
func (b *Builder) Failure(err *codes.Error) Envelope {
	if err == nil {
		err = codes.New(codes.Internal, "unknown error", "retry the request")
	}
	return Envelope{
		Ok:  false,
		Rid: b.rid,
		T:   time.Now().Unix(),
		Ms:  b.elapsedMs(),
		Err: &ErrBody{Code: err.Kind.Code(), Msg: err.Msg, Ctx: err.Ctx},
		Fix: err.Fix,
	}
}

// Encode marshals e as a single JSON line terminated by exactly one
// newline, per the wire contract.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}
