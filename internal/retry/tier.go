package retry

import (
	"fmt"
	"strings"
)

// Tier is a named model quality level, best first.
type Tier string

const (
	Opus   Tier = "opus"
	Sonnet Tier = "sonnet"
	Haiku  Tier = "haiku"
)

// Tiers lists every tier from best to cheapest.
var Tiers = []Tier{Opus, Sonnet, Haiku}

// LastResort is the tier tried when everything above it is unavailable.
const LastResort = Haiku

// ParseTier parses a tier name, ignoring case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tiers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown model tier %q (want opus, sonnet or haiku)", s)
}

// Matches reports whether model (a full model id such as
// "claude-opus-4-5-20251101") belongs to this tier.
func (t Tier) Matches(model string) bool {
	if t == "" {
		return false
	}
	return strings.Contains(strings.ToLower(model), string(t))
}

// Fallback returns the tier directly below t.
func (t Tier) Fallback() (Tier, bool) {
	for i, known := range Tiers {
		if known == t && i+1 < len(Tiers) {
			return Tiers[i+1], true
		}
	}
	return "", false
}

func (t Tier) String() string { return string(t) }
