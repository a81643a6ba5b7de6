package feedback

import (
	"testing"
	"time"

	"tom/gateway/internal/rl"
)

func TestParseRating(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"Das war sehr gut, 5 Sterne!", 5, true},
		{"Bewertung 4", 4, true},
		{"Okay, 3", 3, true},
		{"Note: 2", 2, true},
		{"Super hilfreich!", 5, true},
		{"Mittelmäßig", 3, true},
		{"Exzellent!", 5, true},
		{"Schrecklich", 1, true},
		{"", 0, false},
		{"Keine Ahnung", 0, false},
		{"Ich gebe eine 7", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseRating(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseRating(%q) = (%d,%v), want (%d,%v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestPromptFallback(t *testing.T) {
	if Prompt("v2a") == Prompt("v9z") {
		t.Fatalf("expected variant-specific prompt for v2a")
	}
	if Prompt("v9z") != Prompt("v1a") {
		t.Fatalf("unknown variant should fall back to v1a prompt")
	}
}

func TestNormalizeProfile(t *testing.T) {
	cases := map[string]string{
		"kfz":     "kfz",
		"IT":      "it",
		" Sales ": "sales",
		"support": "support",
		"":        "general",
		"gaming":  "general",
	}
	for in, want := range cases {
		if got := NormalizeProfile(in); got != want {
			t.Errorf("NormalizeProfile(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventValidation(t *testing.T) {
	valid := Event{
		CallID:        "call-1",
		Agent:         "TOM",
		Profile:       "kfz",
		PolicyVariant: "v2a",
		Signals:       rl.Signals{Resolution: true, UserRating: 4, DurationSec: 120},
		Timestamp:     time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	bad := valid
	bad.Profile = "gaming"
	if err := bad.Validate(); err == nil {
		t.Fatalf("invalid profile accepted")
	}

	bad = valid
	bad.PolicyVariant = "variant-2"
	if err := bad.Validate(); err == nil {
		t.Fatalf("invalid variant id accepted")
	}

	bad = valid
	bad.Signals.UserRating = 9
	if err := bad.Validate(); err == nil {
		t.Fatalf("out-of-range rating accepted")
	}

	bad = valid
	bad.CallID = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("missing call id accepted")
	}
}
