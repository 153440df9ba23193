package query

import (
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/Deathtanium/elastalert2/internal/models"
)

// GetIndex resolves the index expression a rule queries for a given window.
// With use_strftime_index the date tokens are expanded into the concrete
// comma-joined index list covering the window; without known bounds the
// token span collapses to a wildcard.
func GetIndex(r *models.Rule, start, end time.Time) string {
	if !r.UseStrftimeIndex {
		return r.Index
	}
	if !start.IsZero() && !end.IsZero() {
		return FormatIndex(r.Index, start, end, r.SearchExtraIndex)
	}
	first := strings.Index(r.Index, "%")
	last := strings.LastIndex(r.Index, "%") + 2
	if first < 0 || last > len(r.Index) {
		return r.Index
	}
	return r.Index[:first] + "*" + r.Index[last:]
}

// FormatIndex expands a strftime index pattern over [start, end], stepping
// hourly when the pattern carries an hour token and daily otherwise. With
// addExtra one additional earlier period is prepended, for events indexed
// just before the window start.
func FormatIndex(pattern string, start, end time.Time, addExtra bool) string {
	step := 24 * time.Hour
	if strings.Contains(pattern, "%H") {
		step = time.Hour
	}
	seen := make(map[string]bool)
	var indices []string
	add := func(t time.Time) string {
		name, err := strftime.Format(pattern, t.UTC())
		if err != nil {
			return pattern
		}
		if !seen[name] {
			seen[name] = true
			indices = append(indices, name)
		}
		return name
	}
	if addExtra {
		// Step back until the rendered name changes once.
		probe := start
		firstName, _ := strftime.Format(pattern, start.UTC())
		for i := 0; i < 8; i++ {
			probe = probe.Add(-step)
			if name, _ := strftime.Format(pattern, probe.UTC()); name != firstName {
				add(probe)
				break
			}
		}
	}
	for t := start; !t.After(end); t = t.Add(step) {
		add(t)
	}
	add(end)
	return strings.Join(indices, ",")
}
