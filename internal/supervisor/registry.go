package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/boardpool"
	"github.com/telegraphic/hipsr-server/internal/boards"
	"github.com/telegraphic/hipsr-server/internal/config"
)

// BuildBoardSpecs resolves the configured board fleet into a deterministically
// ordered list, so jitter delay(beam_index) is stable across restarts. This
// mirrors the teacher's periph.go Register()/Init() split: first assemble the
// full set to be loaded, then load it, rather than connecting boards as they
// are discovered.
func BuildBoardSpecs(cfg config.Config) []BoardSpec {
	hosts := cfg.Boards()
	specs := make([]BoardSpec, 0, len(hosts))
	for _, host := range hosts {
		beamID, ok := cfg.BeamID(host)
		if !ok {
			continue
		}
		specs = append(specs, BoardSpec{Host: host, BeamID: beamID})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].BeamID < specs[j].BeamID })
	return specs
}

// BoardSpec is one board awaiting connection.
type BoardSpec struct {
	Host   string
	BeamID string
}

// ConnectBoards dials every spec concurrently and probes connectivity before
// the tick loop starts, per spec.md §4.7 step 1 ("connect to all configured
// boards"). A board that fails its initial probe is still included in the
// returned Pool board list — BoardPool isolates per-board failures on every
// tick regardless, so a board that is merely slow to come up at startup is
// not treated differently from one that drops out mid-run. This generalizes
// the teacher's concurrent driver-Init fan-out (each Driver.Init() run in
// its own stage, failures collected rather than aborting the whole set) from
// "load host drivers" to "dial board fleet".
func ConnectBoards(ctx context.Context, specs []BoardSpec, arrayLength int, dummy bool, seed int64, log *logrus.Logger) []boardpool.Board {
	out := make([]boardpool.Board, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec BoardSpec) {
			defer wg.Done()
			client := boards.Dial(spec.Host, arrayLength, dummy, seed+int64(i))
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok := client.Probe(probeCtx)
			cancel()
			if !ok {
				log.WithField("board", spec.Host).WithField("beam", spec.BeamID).
					Warn("supervisor: board failed initial probe, will retry per-tick")
			}
			out[i] = boardpool.Board{BeamID: spec.BeamID, Client: client, Index: i}
		}(i, spec)
	}
	wg.Wait()
	return out
}
