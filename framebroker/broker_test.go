package framebroker_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-lens/frame"
	"github.com/e7canasta/orion-lens/framebroker"
)

// filled returns a frame whose every byte equals the low byte of seq, so a
// reader can detect a torn or mixed buffer.
func filled(seq uint64, w, h int) *frame.Processed {
	f := frame.NewProcessed(w, h)
	f.Seq = seq
	for i := range f.Pix {
		f.Pix[i] = byte(seq)
	}
	return f
}

func TestTryTakeEmpty(t *testing.T) {
	b := framebroker.New()

	if f, ok := b.TryTake(); ok || f != nil {
		t.Fatalf("TryTake() on empty broker = (%v, %v), want (nil, false)", f, ok)
	}
	if got := b.Stats().EmptyReads; got != 1 {
		t.Errorf("EmptyReads = %d, want 1", got)
	}
}

// TestLatestWins validates the overwrite policy.
//
// Scenario:
//  1. Publish A then B without reading
//  2. TryTake twice
//  3. Assert: both reads return B (non-destructive), A was released and dropped
func TestLatestWins(t *testing.T) {
	var released []uint64
	b := framebroker.New(framebroker.WithReleaseFunc(func(f *frame.Processed) {
		released = append(released, f.Seq)
	}))

	a, bb := filled(1, 4, 4), filled(2, 4, 4)
	b.Publish(a)
	b.Publish(bb)

	for i := 0; i < 2; i++ {
		got, ok := b.TryTake()
		if !ok || got != bb {
			t.Fatalf("TryTake() #%d = (%v, %v), want frame B", i, got, ok)
		}
	}

	if len(released) != 1 || released[0] != 1 {
		t.Fatalf("released = %v, want [1]", released)
	}

	s := b.Stats()
	if s.Published != 2 || s.Overwritten != 1 || s.Dropped != 1 || s.Reads != 2 {
		t.Errorf("Stats() = %+v", s)
	}
	if !s.HasFrame || s.LastSeq != 2 {
		t.Errorf("Stats() slot = (%v, %d), want (true, 2)", s.HasFrame, s.LastSeq)
	}

	t.Logf("✅ latest wins, drop rate %.2f", s.DropRate())
}

func TestOverwriteAfterReadIsNotADrop(t *testing.T) {
	b := framebroker.New()

	b.Publish(filled(1, 2, 2))
	if _, ok := b.TryTake(); !ok {
		t.Fatal("TryTake() returned nothing")
	}
	b.Publish(filled(2, 2, 2))

	s := b.Stats()
	if s.Overwritten != 1 || s.Dropped != 0 {
		t.Errorf("Stats() = %+v, want 1 overwrite and 0 drops", s)
	}
}

func TestPublishNilIgnored(t *testing.T) {
	b := framebroker.New()
	b.Publish(filled(1, 2, 2))
	b.Publish(nil)

	got, ok := b.TryTake()
	if !ok || got.Seq != 1 {
		t.Fatalf("Publish(nil) replaced the slot: (%v, %v)", got, ok)
	}
}

func TestResetReleasesFrame(t *testing.T) {
	var released atomic.Int32
	b := framebroker.New(framebroker.WithReleaseFunc(func(*frame.Processed) {
		released.Add(1)
	}))

	b.Publish(filled(1, 2, 2))
	b.Reset()

	if _, ok := b.TryTake(); ok {
		t.Fatal("TryTake() after Reset() returned a frame")
	}
	if released.Load() != 1 {
		t.Errorf("released = %d, want 1", released.Load())
	}
}

// TestNoTornReads hammers the broker from one publisher and several readers.
//
// Contract:
//   - A reader observes either nil or a complete frame
//   - Every byte of an observed frame belongs to the same publish
func TestNoTornReads(t *testing.T) {
	const (
		w, h    = 64, 48
		readers = 4
	)
	b := framebroker.New()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var observed atomic.Uint64

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f, ok := b.TryTake()
				if !ok {
					continue
				}
				want := byte(f.Seq)
				for i, v := range f.Pix {
					if v != want {
						t.Errorf("torn frame seq=%d at byte %d: %d != %d", f.Seq, i, v, want)
						return
					}
				}
				observed.Add(1)
			}
		}()
	}

	start := time.Now()
	for seq := uint64(1); seq <= 2000; seq++ {
		b.Publish(filled(seq, w, h))
	}
	close(stop)
	wg.Wait()

	t.Logf("✅ 2000 publishes in %v, %d consistent reads", time.Since(start), observed.Load())
}

func TestPublishNonBlocking(t *testing.T) {
	b := framebroker.New()
	f := filled(1, 2, 2)

	start := time.Now()
	for i := 0; i < 10000; i++ {
		b.Publish(f)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Publish() too slow: 10000 calls in %v", elapsed)
	}
}
