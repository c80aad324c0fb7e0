// Package supervisor implements the tick-detection loop of spec.md §4.7: it
// polls a reference board's accumulator register for integration boundaries,
// drives BoardPool captures off those boundaries, routes ControlServer
// lifecycle events to RecordSink and PreviewPublisher, and guarantees a
// single, ordered shutdown across every exit path (signal, kill command,
// archive crash).
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/boardpool"
	"github.com/telegraphic/hipsr-server/internal/boards"
	"github.com/telegraphic/hipsr-server/internal/config"
	"github.com/telegraphic/hipsr-server/internal/control"
	"github.com/telegraphic/hipsr-server/internal/preview"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
)

// defaultPollInterval is the reference-board poll cadence of spec.md §4.7.
const defaultPollInterval = 500 * time.Millisecond

// Config wires the components a Supervisor coordinates. CrashCh is fed by the
// onCrash callback passed to archive.NewBoltWriter; the caller owns
// constructing that channel and the BoltWriter together so the Supervisor
// never needs to know archive's internals.
type Config struct {
	Log            *logrus.Logger
	Cfg            config.Config
	Control        *control.Server
	Sink           archive.RecordSink
	Preview        *preview.Publisher
	Pool           *boardpool.Pool
	RefClient      boards.Client
	InitialFlavour spectrum.Flavour
	PollInterval   time.Duration
	CrashCh        <-chan error
}

// Supervisor is the tick loop of spec.md §4.7.
type Supervisor struct {
	log          *logrus.Logger
	cfg          config.Config
	control      *control.Server
	sink         archive.RecordSink
	preview      *preview.Publisher
	pool         *boardpool.Pool
	refClient    boards.Client
	pollInterval time.Duration
	crashCh      <-chan error

	mu        sync.Mutex
	flavour   spectrum.Flavour
	accPrev   int64
	lastRA    float64
	lastDec   float64
	haveAcc   bool

	shutdownOnce sync.Once
}

// New builds a Supervisor. It does not start the tick loop; call Run.
func New(c Config) *Supervisor {
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Supervisor{
		log:          c.Log,
		cfg:          c.Cfg,
		control:      c.Control,
		sink:         c.Sink,
		preview:      c.Preview,
		pool:         c.Pool,
		refClient:    c.RefClient,
		pollInterval: interval,
		crashCh:      c.CrashCh,
		flavour:      c.InitialFlavour,
	}
}

// Run drives the loop until ctx is cancelled, a KillEvent arrives, or the
// archive reports a crash. It returns nil on a clean shutdown and the
// triggering error on a crash-driven one. SafeExit is always called exactly
// once before Run returns, on every exit path.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.log.Info("supervisor: tick loop starting")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor: context cancelled, shutting down")
			s.shutdown()
			return nil

		case err := <-s.crashCh:
			s.log.WithError(err).Error("supervisor: archive reported a crash, shutting down")
			s.shutdown()
			return err

		case ev := <-s.control.Events():
			if s.handleEvent(ev) {
				s.log.Info("supervisor: kill received, shutting down")
				s.shutdown()
				return nil
			}

		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// handleEvent applies one ControlServer event. It returns true only for
// KillEvent, signalling Run to stop.
func (s *Supervisor) handleEvent(ev control.Event) bool {
	switch e := ev.(type) {
	case control.OpenArchiveEvent:
		s.mu.Lock()
		fl := s.flavour
		s.mu.Unlock()
		if err := s.sink.OpenNew(e.Path, fl, e.Firmware); err != nil {
			s.log.WithError(err).WithField("path", e.Path).Error("supervisor: failed to open archive")
		}
	case control.AppendEvent:
		if err := s.sink.Append(e.Record); err != nil {
			s.log.WithError(err).Warn("supervisor: append failed")
		}
	case control.WriteEnableEvent:
		s.sink.SetWriteEnabled(e.Enabled)
	case control.FlavourChangeEvent:
		s.applyFlavourChange(e.Flavour)
	case control.PositionEvent:
		s.mu.Lock()
		s.lastRA, s.lastDec = e.RA, e.Dec
		s.mu.Unlock()
	case control.KillEvent:
		return true
	}
	return false
}

// applyFlavourChange swaps the Flavour used by the next CaptureTick, per
// spec.md §4.7's simplification: since CaptureTick carries its Flavour,
// BoardPool itself holds no flavour state, so a reconfigure is just a value
// swap rather than a stop/reprogram/restart sequence.
func (s *Supervisor) applyFlavourChange(name string) {
	fpga, ok := s.cfg.Flavours[name]
	if !ok {
		s.log.WithField("flavour", name).Warn("supervisor: unknown flavour requested, ignoring")
		return
	}
	fl := spectrum.Flavour{
		Name:        name,
		ArrayLength: fpga.ArrayLength,
		XXBlocks:    fpga.XXBlocks,
		YYBlocks:    fpga.YYBlocks,
		ReXYBlocks:  fpga.ReXYBlocks,
		ImXYBlocks:  fpga.ImXYBlocks,
	}
	s.mu.Lock()
	s.flavour = fl
	s.mu.Unlock()
	s.log.WithField("flavour", name).Info("supervisor: flavour changed")
}

// poll reads the reference board's accumulator count and, on advance,
// submits one CaptureTick to the Pool.
func (s *Supervisor) poll(ctx context.Context) {
	acc, err := s.refClient.AccumulatorCount(ctx)
	if err != nil {
		s.log.WithError(err).Warn("supervisor: reference board accumulator read failed")
		return
	}

	s.mu.Lock()
	prev := s.accPrev
	have := s.haveAcc
	fl := s.flavour
	s.mu.Unlock()

	if !have {
		s.mu.Lock()
		s.accPrev, s.haveAcc = acc, true
		s.mu.Unlock()
		return
	}
	if acc == prev {
		return
	}
	if acc-prev > 1 {
		s.log.WithField("missed", acc-prev-1).Warn("supervisor: missed integration boundaries")
	}

	now := float64(time.Now().UnixNano()) / 1e9
	tick := boardpool.CaptureTick{Timestamp: now, Flavour: fl}
	results, ok := s.pool.Capture(ctx, tick)
	if !ok {
		s.log.Warn("supervisor: late tick, previous capture still draining, keeping old accumulator to retry")
		return
	}

	s.mu.Lock()
	s.accPrev = acc
	s.mu.Unlock()

	go s.drainResults(results, acc)
}

// drainResults routes each board's outcome to the archive and the preview
// publisher, in its own goroutine so a slow or stuck capture never delays
// the next poll tick.
func (s *Supervisor) drainResults(results <-chan boardpool.BeamResult, acc int64) {
	ok, failed := 0, 0
	for r := range results {
		if r.Err != nil {
			failed++
			s.log.WithError(r.Err).WithField("beam", r.BeamID).Warn("supervisor: board capture failed")
			continue
		}
		ok++
		if err := s.sink.Append(archive.RawBeamRecord{BeamID: r.BeamID, Spectrum: r.Spectrum}); err != nil {
			s.log.WithError(err).WithField("beam", r.BeamID).Warn("supervisor: raw beam append failed")
		}
		s.preview.Publish(preview.BeamPreview{BeamID: r.BeamID, Frame: r.Preview})
	}

	s.mu.Lock()
	ra, dec := s.lastRA, s.lastDec
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"acc": acc, "ok": ok, "failed": failed, "ra": ra, "dec": dec,
	}).Info("supervisor: capture complete")
}

// shutdown runs SafeExit and releases the preview socket exactly once,
// regardless of which exit path triggered it.
func (s *Supervisor) shutdown() {
	s.shutdownOnce.Do(func() {
		s.sink.SafeExit()
		if s.preview != nil {
			if err := s.preview.Close(); err != nil {
				s.log.WithError(err).Warn("supervisor: preview close failed")
			}
		}
	})
}
