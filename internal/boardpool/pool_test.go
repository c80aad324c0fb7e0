package boardpool

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/boards"
	"github.com/telegraphic/hipsr-server/internal/errs"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
)

func testFlavour() spectrum.Flavour {
	return spectrum.Flavour{
		Name:        "hipsr_400_8192",
		ArrayLength: 8192,
		XXBlocks:    []string{"xx0"},
		YYBlocks:    []string{"yy0"},
		ReXYBlocks:  []string{"re_xy0"},
		ImXYBlocks:  []string{"im_xy0"},
	}
}

func newTestPool(n int) (*Pool, []*boards.DummyClient) {
	var list []Board
	var dummies []*boards.DummyClient
	for i := 0; i < n; i++ {
		d := boards.NewDummyClient("beam", 8192, int64(i))
		dummies = append(dummies, d)
		list = append(list, Board{BeamID: beamName(i), Client: d, Index: i})
	}
	return New(list, time.Millisecond, logrus.New()), dummies
}

func beamName(i int) string {
	return string(rune('a' + i))
}

func drain(ch <-chan BeamResult) []BeamResult {
	var out []BeamResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestCaptureReturnsAllBoards(t *testing.T) {
	pool, _ := newTestPool(13)
	ch, ok := pool.Capture(context.Background(), CaptureTick{Timestamp: 1, Flavour: testFlavour()})
	if !ok {
		t.Fatal("expected capture to be accepted")
	}
	results := drain(ch)
	if len(results) != 13 {
		t.Fatalf("got %d results, want 13", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("beam %s: unexpected error: %v", r.BeamID, r.Err)
		}
	}
}

func TestCaptureIsolatesOneFailingBoard(t *testing.T) {
	pool, dummies := newTestPool(4)
	dummies[2].SetFailing(true)

	ch, ok := pool.Capture(context.Background(), CaptureTick{Timestamp: 1, Flavour: testFlavour()})
	if !ok {
		t.Fatal("expected capture to be accepted")
	}
	results := drain(ch)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for _, r := range results {
		if r.BeamID == beamName(2) {
			if r.Err == nil {
				t.Error("expected failing board to report an error")
			} else if !errs.Is(r.Err, errs.KindBoardUnavailable) {
				t.Errorf("expected KindBoardUnavailable, got %v", r.Err)
			}
		} else if r.Err != nil {
			t.Errorf("sibling beam %s affected by beam %s's failure: %v", r.BeamID, beamName(2), r.Err)
		}
	}
}

func TestCaptureRejectsSecondTickWhileBusy(t *testing.T) {
	pool, _ := newTestPool(2)
	ch1, ok := pool.Capture(context.Background(), CaptureTick{Timestamp: 1, Flavour: testFlavour()})
	if !ok {
		t.Fatal("first capture should be accepted")
	}
	_, ok = pool.Capture(context.Background(), CaptureTick{Timestamp: 2, Flavour: testFlavour()})
	if ok {
		t.Fatal("second capture should be rejected while first is in-flight (LateTick)")
	}
	drain(ch1)

	ch3, ok := pool.Capture(context.Background(), CaptureTick{Timestamp: 3, Flavour: testFlavour()})
	if !ok {
		t.Fatal("capture after drain should be accepted")
	}
	drain(ch3)
}

func TestCaptureCancellationAbortsPendingReads(t *testing.T) {
	pool, _ := newTestPool(3)
	pool.jitterUnit = 50 * time.Millisecond // force boards 1,2 to still be waiting

	ctx, cancel := context.WithCancel(context.Background())
	ch, ok := pool.Capture(ctx, CaptureTick{Timestamp: 1, Flavour: testFlavour()})
	if !ok {
		t.Fatal("expected capture accepted")
	}
	cancel()
	results := drain(ch)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	sawAbort := false
	for _, r := range results {
		if errs.Is(r.Err, errs.KindBoardAborted) {
			sawAbort = true
		}
	}
	if !sawAbort {
		t.Error("expected at least one BoardAborted result after cancellation")
	}
}
