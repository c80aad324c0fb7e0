package control

import (
	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/state"
)

// Event is one item on the controlEvents queue (ControlServer -> Supervisor,
// spec.md §5). A small closed set of concrete types stands in for the
// "dynamic key dictionary" commands of the original source, per spec.md §9.
type Event interface{ isControlEvent() }

// OpenArchiveEvent requests a new archive file, with the FirmwareConfig row
// to write at creation.
type OpenArchiveEvent struct {
	Path     string
	Firmware state.FirmwareConfig
}

func (OpenArchiveEvent) isControlEvent() {}

// AppendEvent carries one Observation/Pointing/ScanPointing row to append.
// On start, the Observation and Pointing AppendEvents are queued right after
// WriteEnableEvent(true) on the same queue, so the sink's write gate is
// already open when the Supervisor applies them.
type AppendEvent struct{ Record archive.Record }

func (AppendEvent) isControlEvent() {}

// WriteEnableEvent toggles the archive's write gate.
type WriteEnableEvent struct{ Enabled bool }

func (WriteEnableEvent) isControlEvent() {}

// FlavourChangeEvent requests the Supervisor reprogram and restart the
// BoardPool on a new firmware flavour.
type FlavourChangeEvent struct{ Flavour string }

func (FlavourChangeEvent) isControlEvent() {}

// KillEvent requests graceful process shutdown.
type KillEvent struct{}

func (KillEvent) isControlEvent() {}

// PositionEvent caches RA/Dec for the Supervisor's status line.
type PositionEvent struct{ RA, Dec float64 }

func (PositionEvent) isControlEvent() {}

// PreviewSetupEvent is a one-shot TCS setup notification
// ({"tcs-frequency": "..."}). ControlServer does not emit it on
// controlEvents: it hands setup notifications straight to its
// SetupPublisher instead.
type PreviewSetupEvent struct{ Cmd, Value string }

func (PreviewSetupEvent) isControlEvent() {}
