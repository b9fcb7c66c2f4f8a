// Package callback provides pooled one-shot slots used to wait for a
// correlated reply without allocating a new primitive per request.
package callback

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

var (
	ErrCompleted   = errors.New("slot already completed")
	ErrNotAcquired = errors.New("slot is not acquired")
)

const (
	statePending int32 = iota
	stateCompleted
)

type result struct {
	msg *protocol.Message
	err error
}

// Slot is completed exactly once, by Signal or Fail, and observed by Await.
type Slot struct {
	state  atomic.Int32
	pooled atomic.Bool
	done   chan result
}

func newSlot() *Slot {
	return &Slot{done: make(chan result, 1)}
}

// Signal completes the slot with a reply.
func (s *Slot) Signal(msg *protocol.Message) error {
	return s.complete(result{msg: msg})
}

// Fail completes the slot with err, e.g. when the peer disconnected.
func (s *Slot) Fail(err error) error {
	return s.complete(result{err: err})
}

func (s *Slot) complete(r result) error {
	if s.pooled.Load() {
		return ErrNotAcquired
	}
	if !s.state.CompareAndSwap(statePending, stateCompleted) {
		return ErrCompleted
	}
	s.done <- r
	return nil
}

// Await blocks until the slot completes or ctx is done.
func (s *Slot) Await(ctx context.Context) (*protocol.Message, error) {
	select {
	case r := <-s.done:
		// Put the result back so a later Await (after a lost race) sees it too.
		s.done <- r
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completed reports whether Signal or Fail has been called since the last reset.
func (s *Slot) Completed() bool {
	return s.state.Load() == stateCompleted
}

func (s *Slot) reset() {
	select {
	case <-s.done:
	default:
	}
	s.state.Store(statePending)
}
