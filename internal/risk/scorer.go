// Package risk folds a case's findings into a 0-100 risk score with labeled
// contributing factors.
package risk

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/docintel/internal/config"
	"github.com/sells-group/docintel/internal/model"
)

// Weights are the scoring coefficients.
type Weights struct {
	Impact map[model.Impact]float64
	Status map[model.FindingStatus]float64
}

// DefaultWeights returns the built-in coefficients.
func DefaultWeights() Weights {
	return Weights{
		Impact: map[model.Impact]float64{
			model.ImpactLow:      2,
			model.ImpactMedium:   5,
			model.ImpactHigh:     10,
			model.ImpactCritical: 20,
		},
		Status: map[model.FindingStatus]float64{
			model.FindingConflict:    1.5,
			model.FindingPending:     1.0,
			model.FindingRevised:     0.5,
			model.FindingAccepted:    0.25,
			model.FindingAutoApplied: 0.25,
			model.FindingRejected:    0,
		},
	}
}

// WeightsFromConfig overlays configured coefficients on the defaults.
func WeightsFromConfig(rc config.RiskConfig) Weights {
	w := DefaultWeights()
	for k, v := range rc.ImpactWeights {
		if imp := model.Impact(strings.ToLower(k)); imp.Valid() {
			w.Impact[imp] = v
		}
	}
	for k, v := range rc.StatusMultipliers {
		w.Status[model.FindingStatus(strings.ToLower(k))] = v
	}
	return w
}

// Result is the outcome of scoring one set of findings.
type Result struct {
	Score   int                `json:"score"`
	Factors []model.RiskFactor `json:"factors"`
}

// Scorer computes risk scores. It is safe for concurrent use.
type Scorer struct {
	w Weights
}

// NewScorer creates a scorer with the given weights.
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score sums impact weight times status multiplier per category and clamps
// the total to [0,100]. Factors are ordered by contribution, then key, so
// the result is identical for the same finding set in any order.
func (s *Scorer) Score(findings []model.Finding) Result {
	sums := make(map[string]float64)
	for _, f := range findings {
		c := s.w.Impact[f.Impact] * s.w.Status[f.Status]
		if c <= 0 {
			continue
		}
		key := f.CategoryKey
		if key == "" {
			key = "uncategorized"
		}
		sums[key] += c
	}

	factors := make([]model.RiskFactor, 0, len(sums))
	total := 0.0
	for key, c := range sums {
		c = math.Round(c*100) / 100
		total += c
		factors = append(factors, model.RiskFactor{
			Key:          key,
			Label:        label(key),
			Contribution: c,
		})
	}
	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].Key < factors[j].Key
	})

	return Result{Score: clamp(total), Factors: factors}
}

// label turns a category key into a display label. Casers are stateful, so
// each call builds its own.
func label(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))
}

func clamp(total float64) int {
	score := int(math.Round(total))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
