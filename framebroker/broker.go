// Package framebroker hands the latest processed frame from the capture
// goroutine to the render goroutine.
//
// # Philosophy
//
// "Latest wins. Never queue, never block."
//
// The broker is a single slot holding an immutable *frame.Processed behind an
// atomic pointer. Publish replaces the slot in one swap; TryTake reads it
// without removing it. Neither side ever waits for the other, so a slow
// renderer cannot stall capture and a slow camera cannot stall rendering.
//
//	capture goroutine ──Publish──▶ [ slot ] ◀──TryTake── render goroutine
//	   (~30fps)                   1 frame               (vsync / on demand)
//
// Frames overwritten before any reader saw them are counted as drops. Drops
// are the intended steady-state behaviour when the producer outruns the
// consumer; memory stays bounded to one frame in the slot plus whatever
// readers still hold.
//
// # Usage
//
//	b := framebroker.New()
//
//	// capture goroutine
//	b.Publish(processed)
//
//	// render goroutine
//	if f, ok := b.TryTake(); ok {
//	    upload(f.Pix, f.Width, f.Height)
//	}
package framebroker

import (
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-lens/frame"
)

// ReleaseFunc is called with a frame that left the slot. Readers may still
// hold the frame when it is called, so it must not recycle or mutate Pix
// unless the caller controls every reader.
type ReleaseFunc func(*frame.Processed)

// Option configures a Broker.
type Option func(*Broker)

// WithReleaseFunc installs a hook for frames replaced by Publish or removed by Reset.
func WithReleaseFunc(fn ReleaseFunc) Option {
	return func(b *Broker) {
		b.release = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// Broker is a single-slot, latest-wins frame hand-off. The zero value is not
// usable; call New.
type Broker struct {
	slot atomic.Pointer[frame.Processed]

	// lastReadSeq is the Seq of the newest frame returned by TryTake.
	// Used to tell an overwrite of a seen frame from a drop.
	lastReadSeq atomic.Uint64
	anyRead     atomic.Bool

	published   atomic.Uint64
	overwritten atomic.Uint64
	dropped     atomic.Uint64
	reads       atomic.Uint64
	emptyReads  atomic.Uint64

	release ReleaseFunc
	logger  *slog.Logger
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stores f as the current frame, replacing whatever was there.
//
// This method:
//  1. Swaps the slot pointer (readers see old or new, never a mix)
//  2. Counts the replaced frame as dropped if no reader took it
//  3. Hands the replaced frame to the release hook
//
// Publish never blocks. f must not be modified afterwards. A nil f is ignored.
func (b *Broker) Publish(f *frame.Processed) {
	if f == nil {
		return
	}

	old := b.slot.Swap(f)
	b.published.Add(1)

	if old == nil {
		return
	}

	b.overwritten.Add(1)
	if !b.anyRead.Load() || b.lastReadSeq.Load() < old.Seq {
		b.dropped.Add(1)
		b.logger.Debug("framebroker: frame dropped before render",
			"dropped_seq", old.Seq,
			"new_seq", f.Seq,
		)
	}

	if b.release != nil {
		b.release(old)
	}
}

// TryTake returns the current frame without removing it.
// ok is false if nothing has been published since New or Reset.
func (b *Broker) TryTake() (f *frame.Processed, ok bool) {
	f = b.slot.Load()
	if f == nil {
		b.emptyReads.Add(1)
		return nil, false
	}

	b.reads.Add(1)
	for {
		last := b.lastReadSeq.Load()
		if f.Seq <= last || b.lastReadSeq.CompareAndSwap(last, f.Seq) {
			break
		}
	}
	b.anyRead.Store(true)

	return f, true
}

// Reset empties the slot and releases the frame it held.
func (b *Broker) Reset() {
	old := b.slot.Swap(nil)
	b.anyRead.Store(false)
	b.lastReadSeq.Store(0)
	if old != nil && b.release != nil {
		b.release(old)
	}
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	s := Stats{
		Published:   b.published.Load(),
		Overwritten: b.overwritten.Load(),
		Dropped:     b.dropped.Load(),
		Reads:       b.reads.Load(),
		EmptyReads:  b.emptyReads.Load(),
	}
	if f := b.slot.Load(); f != nil {
		s.HasFrame = true
		s.LastSeq = f.Seq
	}
	return s
}
