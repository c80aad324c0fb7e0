// Package spectrum implements SpectrumCodec (spec.md §4.2): pure,
// stateless functions stitching raw board memory blocks into per-beam
// spectra, and reducing spectra to lossy preview frames.
package spectrum

import (
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// PreviewBins is the fixed down-sampled length P of spec.md §4.2.
const PreviewBins = 256

// Flavour declares the array length and the block names the codec must
// assemble each polarisation array from (spec.md §3 FlavourDescriptor).
// Multiple block names per array are even/odd-interleaved to recover
// frequency order, as multi-BRAM firmware splits one spectrum across two
// memories.
type Flavour struct {
	Name        string
	ArrayLength int
	XXBlocks    []string
	YYBlocks    []string
	ReXYBlocks  []string
	ImXYBlocks  []string
}

// BeamSpectrum is one board's spectrum for one integration, spec.md §3.
type BeamSpectrum struct {
	XX, YY, ReXY, ImXY []uint32
	FFTOverflow        int32
	ADCClip            int32
	Timestamp          float64
	ID                 int64
}

// PreviewFrame is the down-sampled spectrum of spec.md §3.
type PreviewFrame struct {
	XX, YY    []uint32
	Timestamp float64
}

// Decode assembles a BeamSpectrum from the raw blocks a Flavour defines.
// Byte order is big-endian 32-bit unsigned integers, per spec.md §4.2.
func Decode(fl Flavour, blocks map[string][]byte, fftOverflow, adcClip int32, timestamp float64, id int64) (BeamSpectrum, error) {
	xx, err := interleave(fl.XXBlocks, blocks, fl.ArrayLength)
	if err != nil {
		return BeamSpectrum{}, fmt.Errorf("spectrum: xx: %w", err)
	}
	yy, err := interleave(fl.YYBlocks, blocks, fl.ArrayLength)
	if err != nil {
		return BeamSpectrum{}, fmt.Errorf("spectrum: yy: %w", err)
	}
	reXY, err := interleave(fl.ReXYBlocks, blocks, fl.ArrayLength)
	if err != nil {
		return BeamSpectrum{}, fmt.Errorf("spectrum: re_xy: %w", err)
	}
	imXY, err := interleave(fl.ImXYBlocks, blocks, fl.ArrayLength)
	if err != nil {
		return BeamSpectrum{}, fmt.Errorf("spectrum: im_xy: %w", err)
	}
	return BeamSpectrum{
		XX: xx, YY: yy, ReXY: reXY, ImXY: imXY,
		FFTOverflow: fftOverflow,
		ADCClip:     adcClip,
		Timestamp:   timestamp,
		ID:          id,
	}, nil
}

// interleave decodes each named block as big-endian uint32s and recovers
// frequency order across blocks. With one block, this is a straight
// decode. With two, block[0] holds even-indexed frequency bins and
// block[1] holds odd-indexed ones, matching HIPSR's 2-BRAM-per-pol
// firmware layout.
func interleave(blockNames []string, blocks map[string][]byte, arrayLength int) ([]uint32, error) {
	if len(blockNames) == 0 {
		return nil, fmt.Errorf("no blocks declared")
	}
	raw := make([][]uint32, len(blockNames))
	for i, name := range blockNames {
		b, ok := blocks[name]
		if !ok {
			return nil, fmt.Errorf("missing block %q", name)
		}
		raw[i] = decodeU32(b)
	}
	out := make([]uint32, arrayLength)
	nblocks := len(blockNames)
	for i := range out {
		block := raw[i%nblocks]
		idx := i / nblocks
		if idx >= len(block) {
			return nil, fmt.Errorf("block %q too short for array length %d", blockNames[i%nblocks], arrayLength)
		}
		out[i] = block[idx]
	}
	return out, nil
}

func decodeU32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out
}

// Preview reduces a BeamSpectrum's xx/yy arrays from L bins to PreviewBins
// by non-overlapping mean bucketing, per spec.md §4.2. re_xy/im_xy are not
// previewed: the GUI consumes only total-power traces.
func Preview(s BeamSpectrum) PreviewFrame {
	return PreviewFrame{
		XX:        bucketMean(s.XX, PreviewBins),
		YY:        bucketMean(s.YY, PreviewBins),
		Timestamp: s.Timestamp,
	}
}

// bucketMean reduces in to p non-overlapping buckets by mean, using
// gonum/floats.Sum per bucket window.
func bucketMean(in []uint32, p int) []uint32 {
	if len(in) == 0 {
		return nil
	}
	if p <= 0 || p >= len(in) {
		out := make([]uint32, len(in))
		copy(out, in)
		return out
	}
	out := make([]uint32, p)
	bucketSize := len(in) / p
	window := make([]float64, bucketSize)
	for b := 0; b < p; b++ {
		start := b * bucketSize
		end := start + bucketSize
		if b == p-1 {
			end = len(in) // last bucket absorbs any remainder
		}
		window = window[:0]
		for _, v := range in[start:end] {
			window = append(window, float64(v))
		}
		out[b] = uint32(floats.Sum(window) / float64(len(window)))
	}
	return out
}
