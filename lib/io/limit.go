package iolib

import "bytes"

// LimitedBuffer is a [bytes.Buffer] that stops growing after Limit bytes.
// Writes past the limit are reported as successful and dropped, so a producer
// on the other end of a pipe never blocks on it.
type LimitedBuffer struct {
	bytes.Buffer

	Limit    int // zero means no limit
	overflow bool
}

func NewLimitedBuffer(limit int) *LimitedBuffer {
	return &LimitedBuffer{Limit: limit}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.Limit > 0 && b.Len()+len(p) > b.Limit {
		b.overflow = true
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// Overflowed reports whether any write was dropped.
func (b *LimitedBuffer) Overflowed() bool { return b.overflow }
