package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrPepperNotConfigured = errors.New("phone pepper must be configured")

// PhoneHash is the stored representation of a caller number. The raw
// number never leaves this package unmasked.
type PhoneHash struct {
	Value      string
	Normalized string
	PepperID   string
}

// NormalizeE164 brings a caller number into canonical E.164-ish form:
// separators stripped, 00 prefix folded into +, national numbers prefixed
// with the default country code.
func NormalizeE164(number, defaultCountry string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", errors.New("number must not be empty")
	}

	var b strings.Builder
	for i, r := range number {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "00"):
		cleaned = "+" + cleaned[2:]
	case strings.HasPrefix(cleaned, "+"):
	case strings.HasPrefix(cleaned, "0") && defaultCountry != "":
		cleaned = defaultCountry + strings.TrimLeft(cleaned, "0")
	case defaultCountry != "":
		cleaned = defaultCountry + cleaned
	default:
		cleaned = "+" + cleaned
	}

	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	if len(cleaned) < 4 {
		return "", fmt.Errorf("number too short after normalization: %q", cleaned)
	}
	return cleaned, nil
}

// Hasher peppers and hashes caller numbers. A previous pepper may be kept
// during rotation so older hashes stay matchable.
type Hasher struct {
	defaultCountry string
	current        string
	previous       string
}

func NewHasher(defaultCountry, current, previous string) (*Hasher, error) {
	if current == "" || current == "CHANGE_ME" {
		return nil, ErrPepperNotConfigured
	}
	return &Hasher{defaultCountry: defaultCountry, current: current, previous: previous}, nil
}

func (h *Hasher) Hash(number string) (PhoneHash, error) {
	normalized, err := NormalizeE164(number, h.defaultCountry)
	if err != nil {
		return PhoneHash{}, err
	}
	return PhoneHash{
		Value:      pepperedDigest(normalized, h.current),
		Normalized: normalized,
		PepperID:   "current",
	}, nil
}

// HashPrevious returns the hash under the previous pepper, or false when no
// rotation pepper is configured.
func (h *Hasher) HashPrevious(number string) (PhoneHash, bool, error) {
	if h.previous == "" {
		return PhoneHash{}, false, nil
	}
	normalized, err := NormalizeE164(number, h.defaultCountry)
	if err != nil {
		return PhoneHash{}, false, err
	}
	return PhoneHash{
		Value:      pepperedDigest(normalized, h.previous),
		Normalized: normalized,
		PepperID:   "previous",
	}, true, nil
}

// Mask renders a log-safe form like "+49****1234".
func (h *Hasher) Mask(number string) string {
	normalized, err := NormalizeE164(number, h.defaultCountry)
	if err != nil {
		return "****"
	}
	if len(normalized) <= 6 {
		return normalized
	}
	return normalized[:4] + "****" + normalized[len(normalized)-4:]
}

func pepperedDigest(value, pepper string) string {
	d := sha256.New()
	d.Write([]byte(pepper))
	d.Write([]byte(value))
	return hex.EncodeToString(d.Sum(nil))
}
