// Package feedback turns end-of-call user utterances into validated
// feedback events for the policy loop.
package feedback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tom/gateway/internal/rl"
)

var validate = validator.New()

// Event is the record handed to the reward loop once a call ends.
// Storage is out of scope here; events are validated, logged and consumed.
type Event struct {
	CallID        string     `json:"call_id" validate:"required,max=100"`
	Agent         string     `json:"agent" validate:"required"`
	Profile       string     `json:"profile" validate:"required,oneof=kfz it sales support general"`
	PolicyVariant string     `json:"policy_variant" validate:"required"`
	Signals       rl.Signals `json:"signals"`
	Timestamp     time.Time  `json:"timestamp"`
}

func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("feedback event: %w", err)
	}
	if !regexp.MustCompile(`^v[0-9]+[a-z]$`).MatchString(e.PolicyVariant) {
		return fmt.Errorf("feedback event: invalid policy variant %q", e.PolicyVariant)
	}
	if r := e.Signals.UserRating; r != 0 && (r < 1 || r > 5) {
		return fmt.Errorf("feedback event: rating %d out of range", r)
	}
	return nil
}

var knownProfiles = map[string]bool{
	"kfz": true, "it": true, "sales": true, "support": true, "general": true,
}

// NormalizeProfile maps a routing skill to one of the known agent
// profiles. Unknown or empty skills fall back to "general".
func NormalizeProfile(skill string) string {
	s := strings.ToLower(strings.TrimSpace(skill))
	if knownProfiles[s] {
		return s
	}
	return "general"
}

var (
	ratingPattern = regexp.MustCompile(`(?i)(?:bewertung|rating|note|sterne|punkte)\s*:?\s*([1-5])`)
	digitPattern  = regexp.MustCompile(`\b([1-5])\b`)

	// Sentiment words checked best-first so "sehr gut" beats "gut".
	ratingWords = []struct {
		rating int
		words  []string
	}{
		{5, []string{"sehr gut", "exzellent", "perfekt", "toll", "super", "ausgezeichnet"}},
		{4, []string{"gut", "zufrieden", "hilfreich", "nett"}},
		{3, []string{"okay", "ok", "mittelmäßig", "durchschnittlich", "normal"}},
		{2, []string{"nicht gut", "schlecht", "enttäuscht"}},
		{1, []string{"schrecklich", "gar nicht", "überhaupt nicht", "unzufrieden"}},
	}
)

// ParseRating extracts a 1-5 rating from a free-text answer. Digits win
// over rating keywords, keywords win over sentiment words.
func ParseRating(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if m := digitPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, true
	}
	if m := ratingPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, true
	}
	lower := strings.ToLower(text)
	for _, rw := range ratingWords {
		for _, w := range rw.words {
			if strings.Contains(lower, w) {
				return rw.rating, true
			}
		}
	}
	return 0, false
}

var feedbackPrompts = map[string]string{
	"v1a": "Wie würden Sie unsere Unterhaltung bewerten? Geben Sie eine Zahl von 1 bis 5 an.",
	"v1b": "Hat Ihnen unser Gespräch gefallen? Bewerten Sie mich bitte von 1 bis 5.",
	"v2a": "Bewertung 1-5 für die Servicequalität.",
	"v2b": "Wie zufrieden sind Sie mit meiner Hilfe? Bewerten Sie von 1 bis 5.",
	"v3a": "War das hilfreich? Geben Sie mir eine Note von 1 bis 5!",
	"v3b": "Wie war unser Gespräch für Sie? Bewerten Sie bitte von 1 bis 5.",
	"v4a": "Technische Bewertung: 1-5.",
	"v4b": "War alles verständlich? Bewerten Sie von 1 bis 5.",
	"v5a": "Wie war's? Bewertung 1-5!",
	"v5b": "Bewerten Sie meine Leistung von 1 bis 5.",
	"v6a": "Wie war die Anpassung? Bewertung 1-5.",
	"v6b": "Wie zufrieden sind Sie mit dem Service? Bewertung 1-5.",
}

// Prompt returns the closing question for a variant, falling back to the
// v1a phrasing for unknown variants.
func Prompt(variant string) string {
	if p, ok := feedbackPrompts[variant]; ok {
		return p
	}
	return feedbackPrompts["v1a"]
}
