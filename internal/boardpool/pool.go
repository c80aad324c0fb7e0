// Package boardpool implements BoardPool (spec.md §4.3): fan out one read
// per integration across all boards in parallel, with per-board isolation,
// deterministic jitter, cancellation, and single-flight back-pressure.
//
// The fan-out/fan-in shape (one goroutine per unit of work, joined through a
// sync.WaitGroup that closes the result channel) is grounded on the
// teacher's periph.go Init(), which drives exactly this pattern over driver
// initialisation instead of board reads.
package boardpool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/boards"
	"github.com/telegraphic/hipsr-server/internal/errs"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
)

// CaptureTick is one Supervisor-detected integration boundary, spec.md §4.3.
type CaptureTick struct {
	Timestamp float64
	Flavour   spectrum.Flavour
}

// BeamResult is one board's outcome for a CaptureTick, delivered over the
// channel Capture returns. Err is non-nil (and Spectrum the zero value) on
// per-board failure; a failure never affects sibling results.
type BeamResult struct {
	BeamID   string
	Spectrum spectrum.BeamSpectrum
	Preview  spectrum.PreviewFrame
	Err      error
}

// Board pairs a board's beam id with its Client and its position in the
// jitter schedule.
type Board struct {
	BeamID string
	Client boards.Client
	Index  int
}

// Pool owns a fixed set of boards for the process lifetime, per spec.md §3
// ("BoardPool exclusively owns the BoardClient set").
type Pool struct {
	boards     []Board
	jitterUnit time.Duration
	log        *logrus.Logger

	mu   sync.Mutex
	busy bool
}

// New builds a Pool over boards, with jitterUnit controlling
// delay(beam_index) = beam_index * jitterUnit, per spec.md §4.3.
func New(boardList []Board, jitterUnit time.Duration, log *logrus.Logger) *Pool {
	return &Pool{boards: boardList, jitterUnit: jitterUnit, log: log}
}

// Capture submits one tick. It returns (results, true) if accepted, or
// (nil, false) if a previous capture has not drained — the caller (the
// Supervisor) must then emit a LateTick diagnostic and keep the old
// accumulator value, per spec.md §4.3's back-pressure rule.
func (p *Pool) Capture(ctx context.Context, tick CaptureTick) (<-chan BeamResult, bool) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return nil, false
	}
	p.busy = true
	p.mu.Unlock()

	out := make(chan BeamResult, len(p.boards))
	var wg sync.WaitGroup
	for _, b := range p.boards {
		wg.Add(1)
		go func(b Board) {
			defer wg.Done()
			out <- p.readOne(ctx, b, tick)
		}(b)
	}
	go func() {
		wg.Wait()
		close(out)
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()
	return out, true
}

// readOne waits out this board's jitter delay, then performs its read.
// Cancellation during the jitter wait or the read itself yields
// errs.KindBoardAborted; a transport failure yields errs.KindBoardUnavailable
// scoped to this board only.
func (p *Pool) readOne(ctx context.Context, b Board, tick CaptureTick) BeamResult {
	delay := time.Duration(b.Index) * p.jitterUnit
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardAborted, b.BeamID, ctx.Err())}
	}

	fl := tick.Flavour
	blocks := make(map[string][]byte, len(fl.XXBlocks)+len(fl.YYBlocks)+len(fl.ReXYBlocks)+len(fl.ImXYBlocks))
	perBlockLen := fl.ArrayLength / maxInt(1, blockCountPerArray(fl))
	allBlockNames := dedupe(fl.XXBlocks, fl.YYBlocks, fl.ReXYBlocks, fl.ImXYBlocks)
	for _, name := range allBlockNames {
		select {
		case <-ctx.Done():
			return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardAborted, b.BeamID, ctx.Err())}
		default:
		}
		block, err := b.Client.ReadBlock(ctx, name, perBlockLen*4)
		if err != nil {
			return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardUnavailable, b.BeamID, err)}
		}
		blocks[name] = block
	}

	fftOf, err := b.Client.ReadInt(ctx, "fft_of")
	if err != nil {
		return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardUnavailable, b.BeamID, err)}
	}
	adcClip, err := b.Client.ReadInt(ctx, "adc_clip")
	if err != nil {
		return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardUnavailable, b.BeamID, err)}
	}

	spec, err := spectrum.Decode(fl, blocks, fftOf, adcClip, tick.Timestamp, int64(tick.Timestamp*1e6))
	if err != nil {
		return BeamResult{BeamID: b.BeamID, Err: errs.New(errs.KindBoardUnavailable, b.BeamID, err)}
	}
	return BeamResult{BeamID: b.BeamID, Spectrum: spec, Preview: spectrum.Preview(spec)}
}

func blockCountPerArray(fl spectrum.Flavour) int {
	if len(fl.XXBlocks) > 0 {
		return len(fl.XXBlocks)
	}
	return 1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func dedupe(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, name := range l {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
