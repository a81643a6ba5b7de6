package rl

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var variantIDPattern = regexp.MustCompile(`^v[0-9]+[a-z]$`)

var ErrNoVariants = errors.New("no variants registered")

// Variant is a registered policy variant. Parameters carry the prompt
// configuration the dispatcher applies when the variant is selected.
type Variant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// VariantStats is a read-only snapshot of one arm.
type VariantStats struct {
	ID          string  `json:"id"`
	Pulls       int     `json:"pulls"`
	TotalReward float64 `json:"total_reward"`
	MeanReward  float64 `json:"mean_reward"`
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
	Confidence  float64 `json:"confidence"`
}

// Bandit is a Thompson-sampling bandit with Beta(alpha,beta) posteriors.
// Rewards in [-1,1] are rescaled to [0,1] before the Beta update, so
// alpha+beta always equals pulls+2 per variant.
type Bandit struct {
	mu        sync.Mutex
	rng       *rand.Rand
	statePath string

	variants map[string]Variant
	alpha    map[string]float64
	beta     map[string]float64
	rewards  map[string]float64
	pulls    map[string]int
	updated  float64
}

// NewBandit loads persisted posteriors from statePath when present. A
// corrupt or missing state file starts from fresh priors. statePath may be
// empty for a purely in-memory bandit (tests).
func NewBandit(statePath string, rng *rand.Rand) *Bandit {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	b := &Bandit{
		rng:       rng,
		statePath: statePath,
		variants:  make(map[string]Variant),
		alpha:     make(map[string]float64),
		beta:      make(map[string]float64),
		rewards:   make(map[string]float64),
		pulls:     make(map[string]int),
	}
	b.loadState()
	return b
}

// AddVariant registers a variant. Re-adding an existing id refreshes the
// metadata and keeps the learned posterior.
func (b *Bandit) AddVariant(v Variant) error {
	if !variantIDPattern.MatchString(v.ID) {
		return fmt.Errorf("invalid variant id %q", v.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.variants[v.ID]; !ok {
		b.alpha[v.ID] = 1
		b.beta[v.ID] = 1
		b.rewards[v.ID] = 0
		b.pulls[v.ID] = 0
		log.Printf("[rl] variant registered id=%s name=%q", v.ID, v.Name)
	}
	b.variants[v.ID] = v
	return nil
}

// Select picks a variant by Thompson sampling over all registered arms.
// The context map is logged for traceability only.
func (b *Bandit) Select(ctx map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.variants))
	for id := range b.variants {
		ids = append(ids, id)
	}
	id, err := b.selectFromLocked(ids)
	if err != nil {
		return "", err
	}
	if len(ctx) > 0 {
		log.Printf("[rl] selected variant=%s context=%v", id, ctx)
	}
	return id, nil
}

// SelectFrom samples restricted to the given candidate ids. Unknown ids
// are skipped.
func (b *Bandit) SelectFrom(candidates []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectFromLocked(candidates)
}

func (b *Bandit) selectFromLocked(candidates []string) (string, error) {
	best := ""
	bestSample := math.Inf(-1)
	for _, id := range candidates {
		if _, ok := b.variants[id]; !ok {
			continue
		}
		sample := sampleBeta(b.rng, b.alpha[id], b.beta[id])
		if sample > bestSample {
			bestSample = sample
			best = id
		}
	}
	if best == "" {
		return "", ErrNoVariants
	}
	return best, nil
}

// Update folds a reward in [-1,1] into the posterior of the variant and
// persists the new state. Updates for unknown variants are dropped with a
// warning.
func (b *Bandit) Update(id string, reward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.variants[id]; !ok {
		log.Printf("[rl] warning: reward for unknown variant %q dropped", id)
		return
	}
	reward = clamp(reward, -1, 1)
	scaled := (reward + 1) / 2
	b.alpha[id] += scaled
	b.beta[id] += 1 - scaled
	b.rewards[id] += reward
	b.pulls[id]++
	b.updated = float64(time.Now().UnixNano()) / 1e9

	metricRewardDistribution.WithLabelValues(id).Observe(reward)
	metricExplorationRate.Set(b.explorationRateLocked())

	b.saveStateLocked()
}

// Stats returns the snapshot for one variant.
func (b *Bandit) Stats(id string) (VariantStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked(id)
}

func (b *Bandit) statsLocked(id string) (VariantStats, bool) {
	if _, ok := b.variants[id]; !ok {
		return VariantStats{}, false
	}
	s := VariantStats{
		ID:          id,
		Pulls:       b.pulls[id],
		TotalReward: b.rewards[id],
		Alpha:       b.alpha[id],
		Beta:        b.beta[id],
		Confidence:  b.alpha[id] / (b.alpha[id] + b.beta[id]),
	}
	if s.Pulls > 0 {
		s.MeanReward = s.TotalReward / float64(s.Pulls)
	}
	return s, true
}

// AllStats snapshots every registered variant.
func (b *Bandit) AllStats() map[string]VariantStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]VariantStats, len(b.variants))
	for id := range b.variants {
		s, _ := b.statsLocked(id)
		out[id] = s
	}
	return out
}

// ExplorationRate is the mean posterior variance across variants. High
// values mean the bandit is still exploring.
func (b *Bandit) ExplorationRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.explorationRateLocked()
}

func (b *Bandit) explorationRateLocked() float64 {
	if len(b.variants) == 0 {
		return 0
	}
	var sum float64
	for id := range b.variants {
		a, bb := b.alpha[id], b.beta[id]
		n := a + bb
		sum += a * bb / (n * n * (n + 1))
	}
	return sum / float64(len(b.variants))
}

// Variants returns the registered metadata keyed by id.
func (b *Bandit) Variants() map[string]Variant {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Variant, len(b.variants))
	for id, v := range b.variants {
		out[id] = v
	}
	return out
}

type banditState struct {
	Alpha       map[string]float64 `json:"alpha"`
	Beta        map[string]float64 `json:"beta"`
	TotalReward map[string]float64 `json:"total_rewards"`
	TotalPulls  map[string]int     `json:"total_pulls"`
	LastUpdated float64            `json:"last_updated"`
}

// Flush persists the current posteriors. Called on shutdown.
func (b *Bandit) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveStateLocked()
}

func (b *Bandit) saveStateLocked() {
	if b.statePath == "" {
		return
	}
	st := banditState{
		Alpha:       b.alpha,
		Beta:        b.beta,
		TotalReward: b.rewards,
		TotalPulls:  b.pulls,
		LastUpdated: b.updated,
	}
	if err := writeJSONAtomic(b.statePath, st); err != nil {
		log.Printf("[rl] warning: bandit state save failed: %v", err)
	}
}

func (b *Bandit) loadState() {
	if b.statePath == "" {
		return
	}
	raw, err := os.ReadFile(b.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[rl] warning: bandit state unreadable, starting fresh: %v", err)
		}
		return
	}
	var st banditState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("[rl] warning: bandit state corrupt, starting fresh: %v", err)
		return
	}
	for id, a := range st.Alpha {
		b.alpha[id] = a
		b.beta[id] = st.Beta[id]
		b.rewards[id] = st.TotalReward[id]
		b.pulls[id] = st.TotalPulls[id]
	}
	b.updated = st.LastUpdated
	log.Printf("[rl] bandit state loaded from %s (%d arms)", b.statePath, len(st.Alpha))
}

// writeJSONAtomic writes via temp file + rename so readers never see a
// partial state file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// sampleBeta draws from Beta(a,b) via two gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape,1) using Marsaglia-Tsang, with the
// standard boost for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
