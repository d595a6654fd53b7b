package engine

import (
	"context"
	"iter"
	"math/rand/v2"
	"slices"

	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// Finder lists record ids matching a filter. stores.Collection satisfies it.
type Finder interface {
	FindIDs(ctx context.Context, filter stores.Filter) iter.Seq2[string, error]
}

// Pool is the ordered tail of a partition's permutation that no label value
// drew. Conflict redraws consume it front to back. A Pool is owned by the
// worker processing its partition.
type Pool struct {
	ids  []string
	next int
}

// NewPool returns a pool serving ids in order.
func NewPool(ids []string) *Pool {
	return &Pool{ids: ids}
}

// Next returns the next id, or false once the pool is exhausted.
func (p *Pool) Next() (string, bool) {
	if p == nil || p.next >= len(p.ids) {
		return "", false
	}
	id := p.ids[p.next]
	p.next++
	return id, true
}

// Len returns the number of ids left.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ids) - p.next
}

// ValueDraw is the set of ids drawn for one label value.
type ValueDraw struct {
	Value     any      `json:"value"`
	Requested int64    `json:"requested"`
	Drawn     []string `json:"drawn"`

	// Shortfall is Requested-len(Drawn) when the remaining pool was too small.
	Shortfall int64 `json:"shortfall"`
}

// Available returns the number of ids drawn.
func (d *ValueDraw) Available() int64 {
	return int64(len(d.Drawn))
}

// PartitionDraw holds a partition's draws in quota order plus its reserve.
type PartitionDraw struct {
	Key      PartitionKey `json:"key"`
	Eligible int64        `json:"eligible"`
	Values   []ValueDraw  `json:"values"`
	Reserve  *Pool        `json:"-"`
}

// Sampler selects the ids that receive each label value of a partition.
type Sampler struct {
	labelField string
	seed       uint64
	logger     *telemetry.Logger
}

// NewSampler creates a sampler for labelField. Draws are reproducible for a
// given seed.
func NewSampler(labelField string, seed uint64, logger *telemetry.Logger) *Sampler {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Sampler{
		labelField: labelField,
		seed:       seed,
		logger:     logger.NewComponentLogger("sampler"),
	}
}

// Eligible returns the sorted ids of the partition's records whose label field
// is unset.
func (s *Sampler) Eligible(ctx context.Context, finder Finder, key PartitionKey) ([]string, error) {
	filter := key.Filter().And(stores.Unset(s.labelField))
	var ids []string
	for id, err := range finder.FindIDs(ctx, filter) {
		if err != nil {
			return nil, NewConnectivityError("failed to list eligible records", err).
				WithPartition(key.String()).WithOperation("find")
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Permute shuffles ids uniformly with a PCG source seeded from the run seed
// and the partition hash, so the order depends only on the seed, the
// partition and the eligible set.
func (s *Sampler) Permute(key PartitionKey, ids []string) {
	h := key.Hash()
	rng := rand.New(rand.NewPCG(s.seed^h, h))
	rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}

// Sample draws ids for every cell of the partition in quota order. Each value
// takes the next Requested ids of one permutation, so no id is drawn twice.
// A value that finds fewer ids than requested takes all that remain and the
// deficit is logged.
func (s *Sampler) Sample(ctx context.Context, finder Finder, part *PartitionPlan) (*PartitionDraw, error) {
	ids, err := s.Eligible(ctx, finder, part.Key)
	if err != nil {
		return nil, err
	}
	s.Permute(part.Key, ids)

	draw := &PartitionDraw{
		Key:      part.Key,
		Eligible: int64(len(ids)),
		Values:   make([]ValueDraw, len(part.Cells)),
	}

	pos := 0
	for i, cell := range part.Cells {
		vd := ValueDraw{Value: cell.Value, Requested: cell.Requested}
		if cell.Requested > 0 {
			take := min(cell.Requested, int64(len(ids)-pos))
			vd.Drawn = ids[pos : pos+int(take) : pos+int(take)]
			pos += int(take)
			vd.Shortfall = cell.Requested - take
		}
		if vd.Shortfall > 0 {
			s.logger.WithPartition(part.Key.String()).WithFields(map[string]any{
				"value":     cell.Value,
				"requested": cell.Requested,
				"available": vd.Available(),
				"deficit":   vd.Shortfall,
			}).Warn("partition shortfall")
		}
		draw.Values[i] = vd
	}
	draw.Reserve = NewPool(ids[pos:])
	return draw, nil
}
