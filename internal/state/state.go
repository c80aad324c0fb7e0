// Package state defines the pure StateModel carriers of spec.md §3/§4.8:
// ObservationSetup, PointingFix, ScanPointing and FirmwareConfig. All
// mutation lives in internal/control; this package only holds data and the
// value-snapshot/serialisation behaviour spec.md requires.
package state

import "time"

// KV is one ordered key/value pair, the archive's wire shape for a record.
type KV struct {
	Key   string
	Value interface{}
}

// ObservationSetup is the frozen-at-start key/value map of spec.md §3.
type ObservationSetup struct {
	Frequency    float64
	Bandwidth    float64
	Receiver     string
	ProjectID    string
	NumBeams     int
	RefBeam      int
	FeedRotation float64
	FeedAngle    float64
	AccLen       int
	DwellTime    float64
	Observer     string
	ScanRate     float64
	ObsMode      string
	Date         time.Time
}

// Snapshot returns a defensive value copy.
func (o ObservationSetup) Snapshot() ObservationSetup { return o }

// Fields returns the ordered key/value serialisation for the archive.
func (o ObservationSetup) Fields() []KV {
	return []KV{
		{"frequency", o.Frequency},
		{"bandwidth", o.Bandwidth},
		{"receiver", o.Receiver},
		{"project_id", o.ProjectID},
		{"num_beams", o.NumBeams},
		{"ref_beam", o.RefBeam},
		{"feed_rotation", o.FeedRotation},
		{"feed_angle", o.FeedAngle},
		{"acc_len", o.AccLen},
		{"dwell_time", o.DwellTime},
		{"observer", o.Observer},
		{"scan_rate", o.ScanRate},
		{"obs_mode", o.ObsMode},
		{"date", o.Date},
	}
}

// PointingFix is one-per-observation pointing data, spec.md §3.
type PointingFix struct {
	Timestamp float64
	RA        float64
	Dec       float64
	Source    string
}

func (p PointingFix) Snapshot() PointingFix { return p }

func (p PointingFix) Fields() []KV {
	return []KV{
		{"timestamp", p.Timestamp},
		{"ra", p.RA},
		{"dec", p.Dec},
		{"source", p.Source},
	}
}

// ScanPointing is the continuously updated per-cycle pointing of spec.md §3.
// MB01..MB13 ra/dec are held as fixed-size arrays indexed 0..12 for beam
// 01..13, rather than 26 discrete fields, matching the "enumerated fields"
// re-architecture of spec.md §9 while keeping a typed, not stringly-keyed,
// shape.
type ScanPointing struct {
	Timestamp float64
	Azimuth   float64
	Elevation float64
	ParAngle  float64
	FocusTan  float64
	FocusAxi  float64
	FocusRot  float64
	BeamRAJ   [13]float64
	BeamDCJ   [13]float64
}

func (s ScanPointing) Snapshot() ScanPointing { return s }

func (s ScanPointing) Fields() []KV {
	fields := []KV{
		{"timestamp", s.Timestamp},
		{"azimuth", s.Azimuth},
		{"elevation", s.Elevation},
		{"par_angle", s.ParAngle},
		{"focus_tan", s.FocusTan},
		{"focus_axi", s.FocusAxi},
		{"focus_rot", s.FocusRot},
	}
	for i := 0; i < 13; i++ {
		fields = append(fields,
			KV{beamFieldName(i, "raj"), s.BeamRAJ[i]},
			KV{beamFieldName(i, "dcj"), s.BeamDCJ[i]},
		)
	}
	return fields
}

func beamFieldName(zeroIndexed int, suffix string) string {
	const digits = "0123456789"
	n := zeroIndexed + 1
	tens := digits[n/10]
	ones := digits[n%10]
	return "MB" + string(tens) + string(ones) + "_" + suffix
}

// FirmwareConfig is written exactly once per archive file, spec.md §3.
type FirmwareConfig struct {
	Firmware      string
	AccLen        int
	FFTShift      int
	QuantXXGain   int
	QuantYYGain   int
	QuantXYGain   int
	MuxSel        int
}

func (f FirmwareConfig) Snapshot() FirmwareConfig { return f }

func (f FirmwareConfig) Fields() []KV {
	return []KV{
		{"firmware", f.Firmware},
		{"acc_len", f.AccLen},
		{"fft_shift", f.FFTShift},
		{"quant_xx_gain", f.QuantXXGain},
		{"quant_yy_gain", f.QuantYYGain},
		{"quant_xy_gain", f.QuantXYGain},
		{"mux_sel", f.MuxSel},
	}
}

// FlavourDescriptor declares array length, register/BRAM layout for one
// firmware flavour, spec.md §3.
type FlavourDescriptor struct {
	Name        string
	ArrayLength int
	Registers   []string
	BRAMBlocks  []string
}
