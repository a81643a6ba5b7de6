package rl

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"
)

// GuardConfig controls how traffic is split across variants.
type GuardConfig struct {
	BaseVariant        string
	TrafficSplitNew    float64
	TrafficSplitUncert float64
	BlacklistThreshold float64
	MinPulls           int
	UncertaintyConf    float64
	MaxActiveVariants  int
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		BaseVariant:        "v1a",
		TrafficSplitNew:    0.10,
		TrafficSplitUncert: 0.20,
		BlacklistThreshold: -0.2,
		MinPulls:           20,
		UncertaintyConf:    0.6,
		MaxActiveVariants:  5,
	}
}

// Guard wraps the bandit with deployment safety: a protected base variant,
// automatic blacklisting of underperformers, and reserved traffic shares
// for new and uncertain variants.
type Guard struct {
	mu        sync.Mutex
	cfg       GuardConfig
	bandit    *Bandit
	rng       *rand.Rand
	statePath string

	active      map[string]bool
	blacklisted map[string]bool
}

// VariantHealth is the admin view of one variant.
type VariantHealth struct {
	VariantStats
	Active      bool   `json:"active"`
	Blacklisted bool   `json:"blacklisted"`
	Status      string `json:"status"`
}

// GuardStatus is the admin snapshot of the deployment.
type GuardStatus struct {
	BaseVariant     string                   `json:"base_variant"`
	Active          []string                 `json:"active_variants"`
	Blacklisted     []string                 `json:"blacklisted_variants"`
	ExplorationRate float64                  `json:"exploration_rate"`
	Variants        map[string]VariantHealth `json:"variants"`
}

func NewGuard(cfg GuardConfig, statePath string, bandit *Bandit, rng *rand.Rand) (*Guard, error) {
	if !variantIDPattern.MatchString(cfg.BaseVariant) {
		return nil, fmt.Errorf("invalid base variant %q", cfg.BaseVariant)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	g := &Guard{
		cfg:         cfg,
		bandit:      bandit,
		rng:         rng,
		statePath:   statePath,
		active:      map[string]bool{cfg.BaseVariant: true},
		blacklisted: make(map[string]bool),
	}
	if err := bandit.AddVariant(Variant{ID: cfg.BaseVariant, Name: "base"}); err != nil {
		return nil, err
	}
	g.loadState()
	g.active[cfg.BaseVariant] = true
	delete(g.blacklisted, cfg.BaseVariant)
	// Re-register persisted variants so restored posteriors stay selectable.
	for id := range g.active {
		if err := bandit.AddVariant(Variant{ID: id, Name: id}); err != nil {
			log.Printf("[rl] warning: dropping persisted variant %q: %v", id, err)
			delete(g.active, id)
		}
	}
	g.updateGauges()
	return g, nil
}

// AddVariant activates a variant for deployment. The cap counts non-base
// variants only.
func (g *Guard) AddVariant(v Variant) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[v.ID] {
		return nil
	}
	nonBase := 0
	for id := range g.active {
		if id != g.cfg.BaseVariant {
			nonBase++
		}
	}
	if v.ID != g.cfg.BaseVariant && nonBase >= g.cfg.MaxActiveVariants {
		return fmt.Errorf("active variant cap reached (%d)", g.cfg.MaxActiveVariants)
	}
	if err := g.bandit.AddVariant(v); err != nil {
		return err
	}
	g.active[v.ID] = true
	delete(g.blacklisted, v.ID)
	g.saveStateLocked()
	g.updateGauges()
	log.Printf("[rl] guard activated variant=%s", v.ID)
	return nil
}

// RemoveVariant deactivates a variant. The base variant cannot be removed.
func (g *Guard) RemoveVariant(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id == g.cfg.BaseVariant {
		return errors.New("base variant cannot be removed")
	}
	if !g.active[id] {
		return fmt.Errorf("variant %q not active", id)
	}
	delete(g.active, id)
	g.saveStateLocked()
	g.updateGauges()
	log.Printf("[rl] guard removed variant=%s", id)
	return nil
}

// SelectForDeployment chooses the variant for a new call. Blacklisting is
// refreshed first so a degraded variant stops receiving traffic on the
// very next call. Every selection counts one policy pull.
func (g *Guard) SelectForDeployment(ctx map[string]any) string {
	g.mu.Lock()
	id := g.selectLocked()
	g.mu.Unlock()

	metricPolicyPulls.WithLabelValues(id).Inc()
	if len(ctx) > 0 {
		log.Printf("[rl] deployment selected variant=%s context=%v", id, ctx)
	}
	return id
}

func (g *Guard) selectLocked() string {
	g.refreshBlacklistLocked()

	eligible := g.eligibleLocked()
	if len(eligible) == 0 {
		return g.cfg.BaseVariant
	}

	u := g.rng.Float64()
	if u < g.cfg.TrafficSplitNew {
		if fresh := g.filterLocked(eligible, func(s VariantStats) bool {
			return s.Pulls < g.cfg.MinPulls
		}); len(fresh) > 0 {
			return fresh[g.rng.Intn(len(fresh))]
		}
	}
	if u < g.cfg.TrafficSplitNew+g.cfg.TrafficSplitUncert {
		// Uncertain means evaluated but inconclusive; variants still in
		// their warm-up pulls only ever get the new split.
		if uncertain := g.filterLocked(eligible, func(s VariantStats) bool {
			return s.Pulls >= g.cfg.MinPulls && s.Confidence < g.cfg.UncertaintyConf
		}); len(uncertain) > 0 {
			return uncertain[g.rng.Intn(len(uncertain))]
		}
	}

	id, err := g.bandit.SelectFrom(eligible)
	if err != nil {
		return g.cfg.BaseVariant
	}
	return id
}

func (g *Guard) eligibleLocked() []string {
	ids := make([]string, 0, len(g.active))
	for id := range g.active {
		if !g.blacklisted[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (g *Guard) filterLocked(ids []string, keep func(VariantStats) bool) []string {
	var out []string
	for _, id := range ids {
		if s, ok := g.bandit.Stats(id); ok && keep(s) {
			out = append(out, id)
		}
	}
	return out
}

// refreshBlacklistLocked blacklists any active non-base variant with
// enough pulls and a mean reward under the threshold.
func (g *Guard) refreshBlacklistLocked() {
	for id := range g.active {
		if id == g.cfg.BaseVariant || g.blacklisted[id] {
			continue
		}
		s, ok := g.bandit.Stats(id)
		if !ok {
			continue
		}
		if s.Pulls >= g.cfg.MinPulls && s.MeanReward < g.cfg.BlacklistThreshold {
			g.blacklisted[id] = true
			metricGuardEscalations.WithLabelValues(id).Inc()
			log.Printf("[rl] ESCALATION: variant=%s blacklisted mean_reward=%.3f pulls=%d threshold=%.2f",
				id, s.MeanReward, s.Pulls, g.cfg.BlacklistThreshold)
			g.saveStateLocked()
			g.updateGauges()
		}
	}
}

// Status snapshots the deployment for the admin API.
func (g *Guard) Status() GuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GuardStatus{
		BaseVariant:     g.cfg.BaseVariant,
		Active:          g.eligibleLocked(),
		ExplorationRate: g.bandit.ExplorationRate(),
		Variants:        make(map[string]VariantHealth),
	}
	for id := range g.blacklisted {
		st.Blacklisted = append(st.Blacklisted, id)
	}
	sort.Strings(st.Blacklisted)
	for id := range g.bandit.Variants() {
		st.Variants[id] = g.variantHealthLocked(id)
	}
	return st
}

// Health returns the admin view of one variant.
func (g *Guard) Health(id string) (VariantHealth, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.bandit.Stats(id); !ok {
		return VariantHealth{}, false
	}
	return g.variantHealthLocked(id), true
}

func (g *Guard) variantHealthLocked(id string) VariantHealth {
	s, _ := g.bandit.Stats(id)
	h := VariantHealth{
		VariantStats: s,
		Active:       g.active[id],
		Blacklisted:  g.blacklisted[id],
	}
	switch {
	case h.Blacklisted:
		h.Status = "blacklisted"
	case !h.Active:
		h.Status = "inactive"
	case s.Pulls < g.cfg.MinPulls:
		h.Status = "warming_up"
	case s.Confidence < g.cfg.UncertaintyConf:
		h.Status = "uncertain"
	default:
		h.Status = "healthy"
	}
	return h
}

type guardState struct {
	Active      []string `json:"active_variants"`
	Blacklisted []string `json:"blacklisted_variants"`
	LastUpdate  string   `json:"last_update"`
}

// Flush persists guard state. Called on shutdown.
func (g *Guard) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saveStateLocked()
}

func (g *Guard) saveStateLocked() {
	if g.statePath == "" {
		return
	}
	st := guardState{LastUpdate: time.Now().UTC().Format(time.RFC3339)}
	for id := range g.active {
		st.Active = append(st.Active, id)
	}
	for id := range g.blacklisted {
		st.Blacklisted = append(st.Blacklisted, id)
	}
	sort.Strings(st.Active)
	sort.Strings(st.Blacklisted)
	if err := writeJSONAtomic(g.statePath, st); err != nil {
		log.Printf("[rl] warning: guard state save failed: %v", err)
	}
}

func (g *Guard) loadState() {
	if g.statePath == "" {
		return
	}
	raw, err := os.ReadFile(g.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[rl] warning: guard state unreadable, starting fresh: %v", err)
		}
		return
	}
	var st guardState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("[rl] warning: guard state corrupt, starting fresh: %v", err)
		return
	}
	for _, id := range st.Active {
		g.active[id] = true
	}
	for _, id := range st.Blacklisted {
		g.blacklisted[id] = true
	}
	log.Printf("[rl] guard state loaded from %s (active=%d blacklisted=%d)",
		g.statePath, len(st.Active), len(st.Blacklisted))
}

func (g *Guard) updateGauges() {
	metricActiveVariants.Set(float64(len(g.active)))
	metricBlacklistedVariants.Set(float64(len(g.blacklisted)))
}
