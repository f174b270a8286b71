package client

import "sync/atomic"

// Holder hands out the active adapter. When connection settings change the
// old adapter is discarded wholesale and a new one swapped in; in-flight
// callers finish against the old session and simply retry afterward.
type Holder struct {
	v atomic.Value
}

func NewHolder(c Client) *Holder {
	h := &Holder{}
	h.v.Store(&c)
	return h
}

func (h *Holder) Get() Client {
	return *h.v.Load().(*Client)
}

func (h *Holder) Set(c Client) {
	h.v.Store(&c)
}
