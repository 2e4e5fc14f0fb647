package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Metrics is one bucket: metric name to value.
type Metrics map[string]float64

// Clone returns an independent copy.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Buckets maps period keys of a single granularity to their metrics.
type Buckets map[string]Metrics

// Tree is the full bucket structure persisted per participant:
// {granularity: {periodKey: {metric: value}}}.
type Tree map[Granularity]Buckets

// NewTree returns an empty tree with every granularity present.
func NewTree() Tree {
	t := make(Tree, len(periodic)+1)
	for _, g := range periodic {
		t[g] = Buckets{}
	}
	t[AllTime] = Buckets{}
	return t
}

// Clone deep-copies the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for g, buckets := range t {
		nb := make(Buckets, len(buckets))
		for key, metrics := range buckets {
			nb[key] = metrics.Clone()
		}
		out[g] = nb
	}
	return out
}

// Validate checks the tree's shape: known granularities, well-formed keys,
// a single all_time key, finite numbers.
func (t Tree) Validate() error {
	for g, buckets := range t {
		if !g.IsValid() {
			return fmt.Errorf("%w: unknown granularity %q", ErrMalformedTree, string(g))
		}
		if g == AllTime && len(buckets) > 1 {
			return fmt.Errorf("%w: all_time has %d keys", ErrMalformedTree, len(buckets))
		}
		for key, metrics := range buckets {
			if err := ValidateKey(g, key); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedTree, err)
			}
			for name, v := range metrics {
				if name == "" {
					return fmt.Errorf("%w: empty metric name under %s/%s", ErrMalformedTree, g, key)
				}
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("%w: non-finite %s under %s/%s", ErrMalformedTree, name, g, key)
				}
			}
		}
	}
	return nil
}

// Value returns a single metric, zero when any level is missing.
func (t Tree) Value(g Granularity, key, metric string) float64 {
	return t[g][key][metric]
}

// LifetimeTotal returns all_time.all_time.earned.
func (t Tree) LifetimeTotal() float64 {
	return t.Value(AllTime, AllTimeKey, MetricEarned)
}

// Point is one entry of a Series.
type Point struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Series returns a metric across every key of a granularity, oldest first.
func (t Tree) Series(g Granularity, metric string) ([]Point, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
	}
	keys := make([]string, 0, len(t[g]))
	for key := range t[g] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Point, 0, len(keys))
	for _, key := range keys {
		out = append(out, Point{Key: key, Value: t[g][key][metric]})
	}
	return out, nil
}

// bucket returns the metrics at g/key, creating zeroed levels as needed.
func (t Tree) bucket(g Granularity, key string) Metrics {
	buckets, ok := t[g]
	if !ok {
		buckets = Buckets{}
		t[g] = buckets
	}
	m, ok := buckets[key]
	if !ok {
		m = Metrics{}
		buckets[key] = m
	}
	return m
}

// UnmarshalJSON decodes and validates a persisted tree.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw map[string]map[string]map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	out := make(Tree, len(raw))
	for name, buckets := range raw {
		g := Granularity(name)
		if !g.IsValid() {
			return fmt.Errorf("%w: unknown granularity %q", ErrMalformedTree, name)
		}
		nb := make(Buckets, len(buckets))
		for key, metrics := range buckets {
			nb[key] = Metrics(metrics)
		}
		out[g] = nb
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*t = out
	return nil
}
