package control

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/state"
)

var beamFieldRE = regexp.MustCompile(`^MB(\d{2})_(raj|dcj)$`)

// handleCommand dispatches one parsed TCS command and returns the line to
// write back. Every command replies "ok\n" except start, which replies
// "start_utc ...\n", per spec.md §4.6. Unknown commands also reply ok and
// only log a warning — the socket is never closed on a bad command.
func (s *Server) handleCommand(cmd, value string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := beamFieldRE.FindStringSubmatch(cmd); m != nil {
		return s.handleBeamField(m, value)
	}

	switch cmd {
	case "freq":
		s.obsSetup.Frequency = parseFloatOr(value, s.obsSetup.Frequency)
		s.setup.PublishSetup("tcs-frequency", value)
	case "band":
		s.obsSetup.Bandwidth = parseFloatOr(value, s.obsSetup.Bandwidth)
		s.setup.PublishSetup("tcs-bandwidth", value)
	case "src":
		s.pointing.Source = value
	case "ra":
		if deg, err := ParseSexagesimal(value); err == nil {
			s.pointing.RA = deg
			s.emit(PositionEvent{RA: deg, Dec: s.pointing.Dec})
		} else {
			s.badCommand(cmd, value, err)
		}
	case "dec":
		if deg, err := ParseSexagesimal(value); err == nil {
			s.pointing.Dec = deg
			s.emit(PositionEvent{RA: s.pointing.RA, Dec: deg})
		} else {
			s.badCommand(cmd, value, err)
		}
	case "receiver":
		s.obsSetup.Receiver = value
	case "pid":
		s.obsSetup.ProjectID = value
	case "nbeam":
		s.obsSetup.NumBeams = parseIntOr(value, s.obsSetup.NumBeams)
	case "refbeam":
		s.obsSetup.RefBeam = parseIntOr(value, s.obsSetup.RefBeam)
	case "feedrotation":
		s.obsSetup.FeedRotation = parseFloatOr(value, s.obsSetup.FeedRotation)
	case "feedangle":
		s.obsSetup.FeedAngle = parseFloatOr(value, s.obsSetup.FeedAngle)
	case "taccum":
		s.obsSetup.AccLen = parseIntOr(value, s.obsSetup.AccLen)
	case "dwell":
		s.obsSetup.DwellTime = parseFloatOr(value, s.obsSetup.DwellTime)
	case "confname":
		s.obsSetup.ObsMode = value
		if value != s.flavourName && value != "" {
			s.flavourName = value
			s.emit(FlavourChangeEvent{Flavour: value})
		}
	case "observer":
		s.obsSetup.Observer = value
	case "obstype":
		s.obsSetup.ObsMode = value
	case "scanrate":
		s.obsSetup.ScanRate = parseFloatOr(value, s.obsSetup.ScanRate)
	case "az":
		s.scanPointing.Azimuth = parseFloatOr(value, s.scanPointing.Azimuth)
	case "el":
		s.scanPointing.Elevation = parseFloatOr(value, s.scanPointing.Elevation)
	case "par":
		s.scanPointing.ParAngle = parseFloatOr(value, s.scanPointing.ParAngle)
	case "focustan":
		s.scanPointing.FocusTan = parseFloatOr(value, s.scanPointing.FocusTan)
	case "focusaxi":
		s.scanPointing.FocusAxi = parseFloatOr(value, s.scanPointing.FocusAxi)
	case "focusrot":
		s.scanPointing.FocusRot = parseFloatOr(value, s.scanPointing.FocusRot)
	case "utc_cycle":
		if ts, err := ParseUTCCycle(value); err == nil {
			s.scanPointing.Timestamp = ts
		} else {
			s.badCommand(cmd, value, err)
		}
	case "utc_cycle_end":
		s.handleUTCCycleEnd()
	case "new_file":
		s.pendingNewFile = value
	case "start":
		return s.handleStart()
	case "stop":
		s.writeEnabled = false
		s.emit(WriteEnableEvent{Enabled: false})
	case "kill":
		s.emit(KillEvent{})
	default:
		s.log.WithField("cmd", cmd).WithField("value", value).Warn("control: unknown command")
	}
	return "ok\n"
}

func (s *Server) handleBeamField(m []string, value string) string {
	idx, err := strconv.Atoi(m[1])
	if err != nil || idx < 1 || idx > 13 {
		s.badCommand(m[0], value, fmt.Errorf("beam index out of range"))
		return "ok\n"
	}
	deg, err := ParseSexagesimal(value)
	if err != nil {
		s.badCommand(m[0], value, err)
		return "ok\n"
	}
	if m[2] == "raj" {
		s.scanPointing.BeamRAJ[idx-1] = deg
	} else {
		s.scanPointing.BeamDCJ[idx-1] = deg
	}
	return "ok\n"
}

// handleUTCCycleEnd appends the current scan_pointing snapshot, or no-ops
// when write is disabled, per spec.md §9's resolution of the ambiguous
// source behaviour.
func (s *Server) handleUTCCycleEnd() {
	if !s.writeEnabled {
		return
	}
	s.emit(AppendEvent{Record: archive.ScanPointingRecord{ScanPointing: s.scanPointing.Snapshot()}})
}

// handleStart implements spec.md §4.6/§4.7's start transition: open a new
// archive only when closed (or when new-file-per-obs or a pending new_file
// forces it), enable writes, then queue the Observation+Pointing rows, and
// reply with the formatted start timestamp.
func (s *Server) handleStart() string {
	now := time.Now()
	needsOpen := !s.archiveOpen || s.newFileEachObs || s.pendingNewFile != ""
	if needsOpen {
		flavour := s.cfg.Flavours[s.flavourName]
		fw := state.FirmwareConfig{
			Firmware:    flavour.Firmware,
			AccLen:      flavour.AccLen,
			FFTShift:    flavour.FFTShift,
			QuantXXGain: flavour.QuantXXGain,
			QuantYYGain: flavour.QuantYYGain,
			QuantXYGain: flavour.QuantXYGain,
			MuxSel:      flavour.MuxSel,
		}
		s.emit(OpenArchiveEvent{Path: s.archivePath(now), Firmware: fw})
		s.archiveOpen = true
		s.pendingNewFile = ""
	}

	// Enable writes before queuing the Observation/Pointing rows: the
	// Supervisor drains controlEvents in FIFO order one at a time, so if
	// WriteEnableEvent were queued after the AppendEvents, the sink would
	// still be gated shut when it processed them and silently drop both
	// rows, matching hdf_write_enable being set synchronously before the
	// observation/pointing items are queued in the original implementation.
	s.writeEnabled = true
	s.emit(WriteEnableEvent{Enabled: true})

	s.obsSetup.Date = now
	s.emit(AppendEvent{Record: archive.ObservationRecord{ObservationSetup: s.obsSetup.Snapshot()}})
	s.pointing.Timestamp = float64(now.UnixNano()) / 1e9
	s.emit(AppendEvent{Record: archive.PointingRecord{PointingFix: s.pointing.Snapshot()}})

	return startUTCReply(now)
}

func (s *Server) badCommand(cmd, value string, err error) {
	s.log.WithField("cmd", cmd).WithField("value", value).WithError(err).Warn("control: bad command")
}

func parseFloatOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseIntOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
