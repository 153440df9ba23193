package engine

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Deathtanium/elastalert2/internal/alerters"
	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

// alert enriches and dispatches a batch of matches through the rule's
// alerters, then records one alert document per match. All documents of the
// batch share the first document's id as aggregate_id so the batch can be
// reassembled. Returns the number of alerters that succeeded.
func (e *Engine) alert(ctx context.Context, tc *tickContext, r *models.Rule, matches []models.Match, alertTime time.Time, retried bool) int {
	if len(matches) == 0 {
		return 0
	}
	if len(r.TopCountKeys) > 0 {
		for _, match := range matches {
			e.attachTopCounts(ctx, tc, r, match)
		}
	}
	for _, match := range matches {
		if r.GenerateKibanaDiscoverURL {
			if link := discoverURL(r.KibanaDiscoverAppURL, r.KibanaDiscoverIndexPatternID, r, match); link != "" {
				match["kibana_discover_url"] = link
			}
		}
		if r.GenerateOpenSearchDiscoverURL {
			if link := discoverURL(r.OpenSearchDiscoverAppURL, r.OpenSearchDiscoverIndexID, r, match); link != "" {
				match["opensearch_discover_url"] = link
			}
		}
	}
	if len(r.IncludeRuleParamsInMatches) > 0 {
		targets := matches
		if r.IncludeRuleParamsInFirstMatchOnly {
			targets = matches[:1]
		}
		for _, param := range r.IncludeRuleParamsInMatches {
			if v := ruleParam(r, param); v != nil {
				for _, match := range targets {
					match["rule_param_"+param] = v
				}
			}
		}
	}

	// Enhancements already ran for run_enhancements_first rules, and a
	// retried match was enhanced when it first alerted.
	if !r.RunEnhancementsFirst && !retried {
		valid := matches[:0]
		for _, match := range matches {
			kept, dropped := e.runEnhancements(ctx, r, match)
			if dropped {
				continue
			}
			valid = append(valid, kept)
		}
		matches = valid
	}
	if len(matches) == 0 {
		return 0
	}

	if e.Debug {
		debug := &alerters.Debug{RuleName: r.Name}
		if err := debug.Alert(matches); err != nil {
			e.handleError(ctx, fmt.Sprintf("Error while running debug alert: %v", err), map[string]any{"rule": r.Name})
		}
		return 0
	}

	sent := 0
	alertSent := false
	alertException := ""
	pipeline := map[string]any{"alert_time": alertTime}
	for _, a := range r.Alerters {
		a.SetPipeline(pipeline)
		if err := a.Alert(matches); err != nil {
			e.handleError(ctx, fmt.Sprintf("Error while running alert %v: %v", a.GetInfo()["type"], err), map[string]any{"rule": r.Name})
			alertException = err.Error()
			continue
		}
		alertSent = true
		sent++
	}

	var aggID string
	for _, match := range matches {
		body := e.alertBody(r, match, alertSent, alertTime, alertException)
		if aggID != "" {
			body["aggregate_id"] = aggID
		}
		id, err := e.Store.Writeback(ctx, writeback.DocAlert, body)
		if err != nil {
			e.handleError(ctx, fmt.Sprintf("Failed to write alert doc for %s: %v", r.Name, err), map[string]any{"rule": r.Name})
			continue
		}
		if aggID == "" {
			aggID = id
		}
	}
	return sent
}

// alertBody builds the alert document for one match.
func (e *Engine) alertBody(r *models.Rule, match models.Match, alertSent bool, alertTime time.Time, alertException string) map[string]any {
	info := map[string]any{}
	if !e.Debug && len(r.Alerters) > 0 {
		info = r.Alerters[0].GetInfo()
	}
	body := map[string]any{
		"match_body": match,
		"rule_name":  r.Name,
		"alert_info": info,
		"alert_sent": alertSent,
		"alert_time": alertTime,
	}
	if r.AddMetadataAlert {
		body["category"] = r.Category
		body["description"] = r.Description
		body["owner"] = r.Owner
		body["priority"] = r.Priority
	}
	if ts, ok := r.MatchTime(match); ok {
		body["match_time"] = ts
	}
	if !alertSent && alertException != "" {
		body["alert_exception"] = alertException
	}
	return body
}

// attachTopCounts queries the top terms of the configured keys around the
// match time and folds them into the match. Absence-triggered rules double
// the lookback so the window that should have had events is covered.
func (e *Engine) attachTopCounts(ctx context.Context, tc *tickContext, r *models.Rule, match models.Match) {
	ts, ok := r.MatchTime(match)
	if !ok {
		return
	}
	timeframe := r.Timeframe
	if timeframe == 0 {
		timeframe = 10 * time.Minute
	}
	start := ts.Add(-timeframe)
	if ad, isAbsence := r.Type.(models.AbsenceDetector); isAbsence && ad.TriggersOnAbsence() {
		start = ts.Add(-2 * timeframe)
	}
	end := ts.Add(10 * time.Minute)

	qk := ""
	if r.QueryKey != "" {
		if v, ok := match[r.QueryKey]; ok && v != nil {
			qk = fmt.Sprintf("%v", v)
		}
	}
	index := query.GetIndex(r, start, end)
	for _, key := range r.TopCountKeys {
		buckets, ok := e.getHitsTerms(ctx, tc, r, start, end, index, key, qk, r.TopCountNumber)
		if !ok {
			continue
		}
		counts := make(map[string]int, len(buckets))
		for i, b := range buckets {
			if i >= r.TopCountNumber {
				break
			}
			counts[fmt.Sprintf("%v", b.Key)] = b.DocCount
		}
		match["top_events_"+key] = counts
	}
}

// ruleParam resolves one of the rule attributes exposable on matches.
func ruleParam(r *models.Rule, name string) any {
	switch name {
	case "name":
		return r.Name
	case "description":
		return r.Description
	case "owner":
		return r.Owner
	case "priority":
		return r.Priority
	case "category":
		return r.Category
	case "index":
		return r.Index
	case "query_key":
		return r.QueryKey
	case "aggregation_key":
		return r.AggregationKey
	case "timestamp_field":
		return r.TimestampField
	default:
		return nil
	}
}

// discoverURL builds a discover deep link centered on the match.
func discoverURL(appURL, indexID string, r *models.Rule, match models.Match) string {
	if appURL == "" || indexID == "" {
		return ""
	}
	ts, ok := r.MatchTime(match)
	if !ok {
		return ""
	}
	from := util.FormatTS(ts.Add(-10 * time.Minute))
	to := util.FormatTS(ts.Add(10 * time.Minute))
	globalState := fmt.Sprintf("(time:(from:'%s',to:'%s'))", from, to)
	appState := fmt.Sprintf("(index:'%s'", indexID)
	if id, hasID := match["_id"].(string); hasID {
		appState += fmt.Sprintf(",query:(language:kuery,query:'_id:%s')", id)
	}
	appState += ")"
	return appURL + "#/?_g=" + url.QueryEscape(globalState) + "&_a=" + url.QueryEscape(appState)
}
