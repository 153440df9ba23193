package rules

import (
	"time"

	"github.com/Deathtanium/elastalert2/internal/alerters"
	"github.com/Deathtanium/elastalert2/internal/models"
)

func init() {
	RegisterRuleType("any", func(r *models.Rule, _ map[string]any) (models.RuleType, error) {
		return &AnyRule{tsField: r.TimestampField}, nil
	})
	RegisterAlerter("debug", func(r *models.Rule, _ map[string]any) (models.Alerter, error) {
		return &alerters.Debug{RuleName: r.Name}, nil
	})
}

// AnyRule matches every event it is fed. Count, terms and aggregation
// payloads become one match per non-empty window.
type AnyRule struct {
	tsField string
	matches []models.Match
}

func (a *AnyRule) AddData(data []models.Match) {
	a.matches = append(a.matches, data...)
}

func (a *AnyRule) AddCountData(counts map[time.Time]int) {
	for ts, n := range counts {
		if n == 0 {
			continue
		}
		a.matches = append(a.matches, models.Match{a.tsField: ts, "count": n})
	}
}

func (a *AnyRule) AddTermsData(buckets map[time.Time][]models.TermsBucket) {
	for ts, bs := range buckets {
		for _, b := range bs {
			a.matches = append(a.matches, models.Match{a.tsField: ts, "key": b.Key, "doc_count": b.DocCount})
		}
	}
}

func (a *AnyRule) AddAggregationData(payload map[time.Time]map[string]any) {
	for ts, p := range payload {
		m := models.Match{a.tsField: ts}
		for k, v := range p {
			m[k] = v
		}
		a.matches = append(a.matches, m)
	}
}

func (a *AnyRule) GarbageCollect(time.Time) {}

func (a *AnyRule) DrainMatches() []models.Match {
	out := a.matches
	a.matches = nil
	return out
}
