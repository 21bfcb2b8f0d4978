package selection

import (
	"math/rand/v2"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/state"
)

// NewRand returns a PCG-backed random source. A nil seed draws a random one;
// a fixed seed makes selection reproducible.
func NewRand(seed *uint64) *rand.Rand {
	if seed == nil {
		//nolint:gosec // G404: selection does not need cryptographic randomness
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	//nolint:gosec // G404: selection is not security sensitive and must be seedable
	return rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
}

type candidate struct {
	id     string
	weight int64
}

// Select draws min(targetCount, len(entries)) distinct entry ids with probability
// proportional to Weight, without replacement. Ids are returned in draw order.
// Entries missing from records are treated as never shown.
func Select(
	entries []catalog.RemoteEntry,
	records map[string]state.ItemRecord,
	runPeriod string,
	targetCount int,
	maxShowCount int,
	rng *rand.Rand,
) []string {
	pool := make([]candidate, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	var total int64

	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}

		var rec *state.ItemRecord
		if r, ok := records[e.ID]; ok {
			rec = &r
		}
		w := int64(Weight(rec, runPeriod, maxShowCount))
		pool = append(pool, candidate{id: e.ID, weight: w})
		total += w
	}

	n := min(max(targetCount, 0), len(pool))
	selected := make([]string, 0, n)

	for len(selected) < n {
		r := rng.Int64N(total)
		i := 0
		for ; i < len(pool)-1; i++ {
			if r < pool[i].weight {
				break
			}
			r -= pool[i].weight
		}

		chosen := pool[i]
		selected = append(selected, chosen.id)
		total -= chosen.weight

		pool[i] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}

	return selected
}
