package archive

import (
	"github.com/telegraphic/hipsr-server/internal/spectrum"
	"github.com/telegraphic/hipsr-server/internal/state"
)

// RecordKind identifies which archive table a Record belongs to.
type RecordKind int

const (
	KindObservation RecordKind = iota
	KindPointing
	KindScanPointing
	KindRawBeam
)

func (k RecordKind) bucket() string {
	switch k {
	case KindObservation:
		return "observation"
	case KindPointing:
		return "pointing"
	case KindScanPointing:
		return "scan_pointing"
	case KindRawBeam:
		return "raw_data"
	default:
		return "unknown"
	}
}

// Record is one row bound for the archive: {Observation, Pointing,
// ScanPointing, RawBeam} per spec.md §4.4.
type Record interface {
	Kind() RecordKind
	Fields() []state.KV
}

// ObservationRecord wraps an ObservationSetup snapshot for the archive.
type ObservationRecord struct{ state.ObservationSetup }

func (ObservationRecord) Kind() RecordKind        { return KindObservation }
func (r ObservationRecord) Fields() []state.KV     { return r.ObservationSetup.Fields() }

// PointingRecord wraps a PointingFix snapshot for the archive.
type PointingRecord struct{ state.PointingFix }

func (PointingRecord) Kind() RecordKind    { return KindPointing }
func (r PointingRecord) Fields() []state.KV { return r.PointingFix.Fields() }

// ScanPointingRecord wraps a ScanPointing snapshot for the archive.
type ScanPointingRecord struct{ state.ScanPointing }

func (ScanPointingRecord) Kind() RecordKind    { return KindScanPointing }
func (r ScanPointingRecord) Fields() []state.KV { return r.ScanPointing.Fields() }

// RawBeamRecord is one beam's spectrum for one integration, spec.md §3/§6's
// /raw_data/<beamId> row: {id, timestamp, xx[L], yy[L], re_xy[L], im_xy[L],
// fft_of, adc_clip}.
type RawBeamRecord struct {
	BeamID   string
	Spectrum spectrum.BeamSpectrum
}

func (RawBeamRecord) Kind() RecordKind { return KindRawBeam }

func (r RawBeamRecord) Fields() []state.KV {
	s := r.Spectrum
	return []state.KV{
		{Key: "id", Value: s.ID},
		{Key: "timestamp", Value: s.Timestamp},
		{Key: "xx", Value: s.XX},
		{Key: "yy", Value: s.YY},
		{Key: "re_xy", Value: s.ReXY},
		{Key: "im_xy", Value: s.ImXY},
		{Key: "fft_of", Value: s.FFTOverflow},
		{Key: "adc_clip", Value: s.ADCClip},
	}
}
