package retry

import "fmt"

// Policy selects how strictly the served model is checked.
type Policy int

const (
	// Strict retries until the served model matches the requested tier.
	Strict Policy = iota
	// Permissive makes one attempt and accepts whatever model answers.
	Permissive
)

func (p Policy) String() string {
	if p == Permissive {
		return "accept-any"
	}
	return "strict"
}

// Budgets holds the attempt budget of each strict stage.
type Budgets struct {
	Stage1 int // top tier only
	Stage2 int // fallback and top tier, alternating
	Stage3 int // last resort tier
}

// DefaultBudgets is the ladder used when nothing is configured.
var DefaultBudgets = Budgets{Stage1: 3, Stage2: 4, Stage3: 2}

// Stage is one rung of the acquisition ladder. Attempt i of the stage
// requests Tiers[i%len(Tiers)].
type Stage struct {
	Name        string
	Tiers       []Tier
	MaxAttempts int
}

// TierFor returns the tier requested by the i-th (0-based) attempt.
func (s Stage) TierFor(i int) Tier {
	return s.Tiers[i%len(s.Tiers)]
}

// StagesFor builds the strict ladder for top. Stages with a zero budget
// or no distinct tier are left out.
func StagesFor(top Tier, b Budgets) []Stage {
	var stages []Stage
	if b.Stage1 > 0 {
		stages = append(stages, Stage{Name: "primary", Tiers: []Tier{top}, MaxAttempts: b.Stage1})
	}

	fallback, hasFallback := top.Fallback()
	if hasFallback && b.Stage2 > 0 {
		stages = append(stages, Stage{Name: "fallback", Tiers: []Tier{fallback, top}, MaxAttempts: b.Stage2})
	}

	if LastResort != top && LastResort != fallback && b.Stage3 > 0 {
		stages = append(stages, Stage{Name: "last-resort", Tiers: []Tier{LastResort}, MaxAttempts: b.Stage3})
	}
	return stages
}

// permissiveStages is the single-attempt ladder of the permissive policy.
func permissiveStages(top Tier) []Stage {
	return []Stage{{Name: "any", Tiers: []Tier{top}, MaxAttempts: 1}}
}

// TotalAttempts sums the budgets of stages.
func TotalAttempts(stages []Stage) int {
	n := 0
	for _, s := range stages {
		n += s.MaxAttempts
	}
	return n
}

func (b Budgets) validate() error {
	if b.Stage1 < 0 || b.Stage2 < 0 || b.Stage3 < 0 {
		return fmt.Errorf("negative stage budget: %d/%d/%d", b.Stage1, b.Stage2, b.Stage3)
	}
	if b.Stage1+b.Stage2+b.Stage3 == 0 {
		return fmt.Errorf("stage budgets are all zero")
	}
	return nil
}
