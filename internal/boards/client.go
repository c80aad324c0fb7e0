// Package boards implements the BoardClient capability of spec.md §4.1: a
// narrow interface to one FPGA signal-processing board, plus a TCP-backed
// implementation and a dummy implementation for offline testing. The
// interface shape is grounded on the teacher's conn/i2c.Bus/Dev split: a
// transport-owning type exposing a handful of typed reads, with device
// addressing (here, board host) kept out of the read calls themselves.
package boards

import (
	"context"
	"fmt"
)

// Client is the capability every component in internal/boardpool consumes.
// No caller outside internal/boardpool may hold a Client directly, per
// spec.md §3's ownership rule.
type Client interface {
	// Probe returns connectivity without raising.
	Probe(ctx context.Context) bool
	// ReadInt reads a 32-bit register.
	ReadInt(ctx context.Context, name string) (int32, error)
	// ReadBlock reads a contiguous memory region.
	ReadBlock(ctx context.Context, name string, nbytes int) ([]byte, error)
	// AccumulatorCount is a convenience wrapper for the o_acc_cnt register.
	AccumulatorCount(ctx context.Context) (int64, error)
	// WriteInt is used by flavour configuration only.
	WriteInt(ctx context.Context, name string, value int32) error
	// Stop releases the underlying transport.
	Stop() error
}

// Unavailable reports a transport-level failure, convertible to
// errs.KindBoardUnavailable by the caller.
type Unavailable struct {
	Board string
	Op    string
	Cause error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("board %s: %s: %v", e.Board, e.Op, e.Cause)
}

func (e *Unavailable) Unwrap() error { return e.Cause }
