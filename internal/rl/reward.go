// Package rl implements the policy selection loop: a Thompson-sampling
// bandit over prompt variants, a deploy guard in front of it, and the
// reward calculation that closes the loop after each call.
package rl

import "math"

// Signals are the per-call observations the reward is computed from.
// UserRating is 1..5, 0 means the caller gave none.
type Signals struct {
	Resolution   bool    `json:"resolution"`
	UserRating   int     `json:"user_rating"`
	BargeInCount int     `json:"barge_in_count"`
	Repeats      int     `json:"repeats"`
	Handover     bool    `json:"handover"`
	DurationSec  float64 `json:"duration_sec"`
}

// RewardConfig holds the component weights. TargetDurationSec is the call
// length the duration bonus peaks at.
type RewardConfig struct {
	ResolutionWeight  float64
	RatingWeight      float64
	BargeInPenalty    float64
	RepeatPenalty     float64
	HandoverPenalty   float64
	DurationWeight    float64
	TargetDurationSec float64
}

func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		ResolutionWeight:  0.6,
		RatingWeight:      0.2,
		BargeInPenalty:    0.1,
		RepeatPenalty:     0.1,
		HandoverPenalty:   0.1,
		DurationWeight:    0.2,
		TargetDurationSec: 180,
	}
}

// RewardCalculator maps call signals to a scalar reward in [-1, 1].
// Pure computation, no I/O.
type RewardCalculator struct {
	cfg RewardConfig
}

func NewRewardCalculator(cfg RewardConfig) *RewardCalculator {
	return &RewardCalculator{cfg: cfg}
}

func (c *RewardCalculator) Reward(s Signals) float64 {
	var total float64
	for _, v := range c.Components(s) {
		total += v
	}
	return clamp(total, -1, 1)
}

// Components returns the per-term breakdown for audit logs. The sum of the
// values, clamped to [-1, 1], equals Reward.
func (c *RewardCalculator) Components(s Signals) map[string]float64 {
	comp := make(map[string]float64, 6)

	if s.Resolution {
		comp["resolution"] = c.cfg.ResolutionWeight
	} else {
		comp["resolution"] = 0
	}

	if s.UserRating >= 1 && s.UserRating <= 5 {
		comp["rating"] = c.cfg.RatingWeight * (float64(s.UserRating) - 3) / 2
	} else {
		comp["rating"] = 0
	}

	comp["barge_in"] = -c.cfg.BargeInPenalty * math.Min(float64(s.BargeInCount), 3) / 3
	comp["repeats"] = -c.cfg.RepeatPenalty * math.Min(float64(s.Repeats), 3) / 3

	if s.Handover {
		comp["handover"] = -c.cfg.HandoverPenalty
	} else {
		comp["handover"] = 0
	}

	comp["duration"] = c.durationBonus(s.DurationSec)
	return comp
}

// durationBonus peaks at the target duration and falls off linearly.
// Calls with no measured duration get no bonus and no penalty.
func (c *RewardCalculator) durationBonus(d float64) float64 {
	if d <= 0 {
		return 0
	}
	t := c.cfg.TargetDurationSec
	bonus := c.cfg.DurationWeight * (1 - math.Abs(d-t)/t)
	return clamp(bonus, -c.cfg.DurationWeight, c.cfg.DurationWeight)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
