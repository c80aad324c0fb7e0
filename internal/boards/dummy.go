package boards

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
)

// DummyClient synthesises plausible spectra for offline testing, per
// spec.md §4.1: two low-power edges, one high-power centre, additive noise,
// a random spike. Selection between DummyClient and TCPClient is a runtime
// policy (see Dial), never a compile-time switch.
type DummyClient struct {
	Board       string
	ArrayLength int
	rng         *rand.Rand

	mu       sync.Mutex
	acc      int64
	fail     bool // when true, every read returns Unavailable
	blocks   map[string][]byte
}

// NewDummyClient returns a dummy client whose generator is seeded from seed,
// so repeated runs (and tests) with the same seed are reproducible.
func NewDummyClient(board string, arrayLength int, seed int64) *DummyClient {
	return &DummyClient{
		Board:       board,
		ArrayLength: arrayLength,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// SetFailing forces every subsequent read to return an Unavailable error,
// used by tests exercising per-board failure isolation (spec.md §8, S6).
func (d *DummyClient) SetFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = failing
}

func (d *DummyClient) Probe(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.fail
}

func (d *DummyClient) ReadInt(ctx context.Context, name string) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return 0, &Unavailable{Board: d.Board, Op: "readInt " + name, Cause: errDummyDown}
	}
	switch name {
	case "o_acc_cnt":
		return int32(d.acc), nil
	case "fft_of", "adc_clip":
		return 0, nil
	default:
		return 0, nil
	}
}

func (d *DummyClient) ReadBlock(ctx context.Context, name string, nbytes int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, &Unavailable{Board: d.Board, Op: "readBlock " + name, Cause: errDummyDown}
	}
	return d.synthesise(nbytes), nil
}

func (d *DummyClient) AccumulatorCount(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return 0, &Unavailable{Board: d.Board, Op: "accumulatorCount", Cause: errDummyDown}
	}
	d.acc++
	return d.acc, nil
}

func (d *DummyClient) WriteInt(ctx context.Context, name string, value int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return &Unavailable{Board: d.Board, Op: "writeInt " + name, Cause: errDummyDown}
	}
	return nil
}

func (d *DummyClient) Stop() error { return nil }

// synthesise fills nbytes/4 big-endian uint32 power values: low edges, a
// high centre band, uniform additive noise, and one spike at a random bin
// in every block.
func (d *DummyClient) synthesise(nbytes int) []byte {
	n := nbytes / 4
	buf := make([]byte, nbytes)
	edge := n / 8
	centreStart := n/2 - n/8
	centreEnd := n/2 + n/8
	spikeBin := d.rng.Intn(n)
	for i := 0; i < n; i++ {
		var v uint32
		switch {
		case i < edge || i >= n-edge:
			v = 10 + uint32(d.rng.Intn(5))
		case i >= centreStart && i < centreEnd:
			v = 5000 + uint32(d.rng.Intn(500))
		default:
			v = 500 + uint32(d.rng.Intn(100))
		}
		if i == spikeBin {
			v += 20000
		}
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

var errDummyDown = dummyDownError{}

type dummyDownError struct{}

func (dummyDownError) Error() string { return "dummy board forced down" }
