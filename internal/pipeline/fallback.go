package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/utils"
)

// EnrichedDataset names the dataset enriched records of dataset go to
func EnrichedDataset(dataset string) string { return dataset + "_enriched" }

// Resolver fills fields the API leaves null from ordered fallback chains.
// The chosen tier is recorded on every record and counted per rule.
type Resolver struct {
	rules   []model.FallbackRule
	indexes map[string]*groupIndex

	mu     sync.Mutex
	counts map[string]map[string]int
}

// NewResolver builds the lookup index of every dataset-backed tier from sink.
// A source dataset that was never pulled simply yields no candidates.
func NewResolver(ctx context.Context, rules []model.FallbackRule, sink store.Sink) (*Resolver, error) {
	r := &Resolver{
		rules:   rules,
		indexes: make(map[string]*groupIndex),
		counts:  make(map[string]map[string]int),
	}
	for _, rule := range rules {
		r.counts[rule.Name] = make(map[string]int)
		for _, src := range rule.Sources {
			if src.Dataset == "" {
				continue
			}
			idx, err := buildGroupIndex(ctx, sink, src)
			if err != nil {
				return nil, fmt.Errorf("index %s for rule %s: %w", src.Dataset, rule.Name, err)
			}
			r.indexes[indexKey(rule, src)] = idx
		}
	}
	return r, nil
}

func indexKey(rule model.FallbackRule, src model.FallbackSource) string {
	return rule.Name + "/" + src.Tier
}

// Resolve walks rule's chain for rec. The first tier with a positive value
// wins; a value below the floor, or no value at all, resolves to the floor.
func (r *Resolver) Resolve(rule model.FallbackRule, rec model.Record) (float64, string) {
	for _, src := range rule.Sources {
		var v float64
		var ok bool
		if src.Dataset == "" {
			v, ok = utils.PositiveNumeric(rec[src.Field])
		} else {
			v, ok = r.indexes[indexKey(rule, src)].lookup(groupKey(rec[src.MatchField]))
		}
		if !ok {
			continue
		}
		if v < rule.Floor {
			return rule.Floor, model.TierFloor
		}
		return v, src.Tier
	}
	return rule.Floor, model.TierFloor
}

// Apply runs every rule for rec's dataset and returns an enriched copy
// bound for EnrichedDataset.
func (r *Resolver) Apply(rec model.PulledRecord) model.PulledRecord {
	out := rec
	out.Dataset = EnrichedDataset(rec.Dataset)
	out.Data = rec.Data.Clone()
	out.Tiers = make(map[string]string, len(r.rules))
	for k, v := range rec.Tiers {
		out.Tiers[k] = v
	}

	for _, rule := range r.rules {
		if rule.Dataset != rec.Dataset {
			continue
		}
		v, tier := r.Resolve(rule, rec.Data)
		out.Data[rule.Target] = v
		out.Tiers[rule.Name] = tier

		r.mu.Lock()
		r.counts[rule.Name][tier]++
		r.mu.Unlock()
	}
	return out
}

// TierCounts returns rule -> tier -> records resolved there
func (r *Resolver) TierCounts() map[string]map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]int, len(r.counts))
	for rule, tiers := range r.counts {
		cp := make(map[string]int, len(tiers))
		for t, n := range tiers {
			cp[t] = n
		}
		out[rule] = cp
	}
	return out
}

// rulesByDataset groups rules by the dataset they enrich
func rulesByDataset(rules []model.FallbackRule) map[string][]model.FallbackRule {
	out := make(map[string][]model.FallbackRule)
	for _, r := range rules {
		out[r.Dataset] = append(out[r.Dataset], r)
	}
	return out
}
