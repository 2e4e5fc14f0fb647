package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages feature toggles with percentage rollout. A participant
// lands in the same rollout bucket every time, so a partially rolled out
// feature is stable per participant.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// overrides pin a feature on or off for one participant.
	overrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent is 0-100. Below 100 only participants whose bucket
	// falls under it see the feature.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// FeatureStrictDemotion selects badge.PolicyStrict over
	// badge.PolicyIndependent when the catalog does not choose.
	FeatureStrictDemotion = "ladder.strict_demotion"

	// FeatureApplyMultiplier scales points by the current badge multiplier.
	FeatureApplyMultiplier = "ladder.apply_multiplier"

	// FeatureStreaks advances the activity streak on positive events.
	FeatureStreaks = "stats.streaks"

	// FeaturePrune prunes old statistics buckets during rollover.
	FeaturePrune = "stats.prune"

	// FeatureEventsKafka publishes domain events to Kafka.
	FeatureEventsKafka = "events.kafka"
)

// LoadFeatureFlags returns the defaults with environment overrides applied.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:  make(map[string]*Feature),
		overrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	ff.loadFromEnvironment()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	for _, f := range []Feature{
		{Name: FeatureStrictDemotion, Description: "Demoted participants climb back by reinstatement only", Enabled: true},
		{Name: FeatureApplyMultiplier, Description: "Scale points by the current badge multiplier", Enabled: true},
		{Name: FeatureStreaks, Description: "Track the daily activity streak", Enabled: true},
		{Name: FeaturePrune, Description: "Prune statistics buckets past retention", Enabled: true},
		{Name: FeatureEventsKafka, Description: "Publish domain events to Kafka", Enabled: false},
	} {
		f := f
		if f.Enabled {
			f.RolloutPercent = 100
		}
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment reads FEATURE_<NAME> as a boolean or a percentage.
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			feature.RolloutPercent = 0
			if b {
				feature.RolloutPercent = 100
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts a feature name to its environment key.
// "stats.prune" -> "FEATURE_STATS_PRUNE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks a feature for a participant. An empty participant ID asks
// about the feature globally: on only when fully rolled out.
func (ff *FeatureFlags) IsEnabled(featureName, participantID string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if participantID != "" {
		if pinned, ok := ff.overrides[participantID][featureName]; ok {
			return pinned
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}
	if feature.RolloutPercent >= 100 {
		return true
	}
	if participantID == "" {
		return false
	}
	return inRollout(participantID, featureName, feature.RolloutPercent)
}

// inRollout hashes participant and feature to a stable 0-99 bucket.
func inRollout(participantID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(participantID))
	return int(h.Sum32()%100) < percent
}

// SetOverride pins a feature for one participant.
func (ff *FeatureFlags) SetOverride(participantID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.overrides[participantID] == nil {
		ff.overrides[participantID] = make(map[string]bool)
	}
	ff.overrides[participantID][featureName] = enabled
}

// ClearOverrides removes every override of a participant.
func (ff *FeatureFlags) ClearOverrides(participantID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.overrides, participantID)
}

// SetRolloutPercent updates a feature's rollout.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// EnableFeature fully enables a feature.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// All returns copies of every feature, sorted by name.
func (ff *FeatureFlags) All() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
