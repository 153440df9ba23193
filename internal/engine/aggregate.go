package engine

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

// addAggregatedAlert queues a match into its aggregate group instead of
// alerting. The group's head document lives in the writeback index; members
// reference it by aggregate_id. If the writeback write fails the match is
// kept in memory and retried next tick.
func (e *Engine) addAggregatedAlert(ctx context.Context, tc *tickContext, r *models.Rule, match models.Match) {
	e.alertLock.Lock()
	defer e.alertLock.Unlock()

	st := r.State
	aggKey, _ := r.AggregationKeyValue(match)

	eventTime, haveEventTime := r.MatchTime(match)
	matchTime := util.Now()
	if r.AggregateByMatchTime && haveEventTime {
		matchTime = eventTime
	}
	// A group whose deadline has passed is spent. The staleness check runs
	// on wall clock unless the rule compares against the event timestamp.
	compareTime := util.Now()
	if r.AggregationAlertTimeComparedWithTimestampField && haveEventTime {
		compareTime = eventTime
	}

	var alertTime time.Time
	var aggID string
	deadline, haveDeadline := st.AggregateAlertTime[aggKey]
	if st.CurrentAggregateID[aggKey] == "" || (haveDeadline && deadline.Before(compareTime)) {
		// No open group for this key. A pending head document in the
		// writeback index means a previous process opened one; join it.
		pending, err := e.Store.FindPendingAggregateAlert(ctx, r.Name, aggKey)
		if err != nil {
			log.Printf("[engine] pending aggregate lookup failed for %s: %v", r.Name, err)
		}
		if pending != nil {
			if raw, ok := pending.Source["alert_time"].(string); ok {
				if parsed, perr := util.ParseTS(raw); perr == nil {
					alertTime = parsed
				}
			}
			aggID = pending.ID
			st.CurrentAggregateID[aggKey] = aggID
			st.AggregateAlertTime[aggKey] = alertTime
			log.Printf("[engine] Adding alert for %s to aggregation(id: %s), next alert at %s",
				r.Name, aggID, util.PrettyTS(alertTime))
		} else {
			alertTime = e.aggregateAlertTime(r, matchTime)
			st.AggregateAlertTime[aggKey] = alertTime
			log.Printf("[engine] New aggregation for %s, aggregation_key: %s, next alert at %s",
				r.Name, aggKey, util.PrettyTS(alertTime))
		}
	} else {
		alertTime = st.AggregateAlertTime[aggKey]
		aggID = st.CurrentAggregateID[aggKey]
		log.Printf("[engine] Adding alert for %s to aggregation(id: %s), next alert at %s",
			r.Name, aggID, util.PrettyTS(alertTime))
	}

	body := e.alertBody(r, match, false, alertTime, "")
	if aggID != "" {
		body["aggregate_id"] = aggID
	}
	if aggKey != "" {
		body["aggregation_key"] = aggKey
	}
	id, err := e.Store.Writeback(ctx, writeback.DocAlert, body)
	if err != nil {
		log.Printf("[engine] failed to persist aggregate match for %s, keeping in memory: %v", r.Name, err)
		st.AggMatches = append(st.AggMatches, match)
		return
	}
	if aggID == "" && id != "" {
		st.CurrentAggregateID[aggKey] = id
	}
}

// aggregateAlertTime computes the deadline of a newly opened group: the
// next cron fire with a schedule, otherwise the grouping span from the
// match time or now.
func (e *Engine) aggregateAlertTime(r *models.Rule, matchTime time.Time) time.Time {
	if r.AggregationSchedule != "" {
		sched, err := cron.ParseStandard(r.AggregationSchedule)
		if err != nil {
			log.Printf("[engine] bad aggregation schedule for %s: %v", r.Name, err)
			return util.Now().Add(r.Aggregation)
		}
		return sched.Next(util.Now())
	}
	if r.AggregateByMatchTime {
		return matchTime.Add(r.Aggregation)
	}
	return util.Now().Add(r.Aggregation)
}

// SendPendingAlerts is the periodic sweep: dispatch matured aggregate
// groups and retry failed alerts from the writeback index, then drain
// matured in-memory groups.
func (e *Engine) SendPendingAlerts(ctx context.Context) {
	e.alertLock.Lock()
	defer e.alertLock.Unlock()

	pending, err := e.Store.FindRecentPendingAlerts(ctx, e.Conf.AlertTimeLimit.Duration)
	if err != nil {
		log.Printf("[engine] pending alert sweep failed: %v", err)
		pending = nil
	}
	now := util.Now()
	for _, pa := range pending {
		src := pa.Source
		ruleName, _ := src["rule_name"].(string)
		rawAlertTime, _ := src["alert_time"].(string)
		matchBody, _ := src["match_body"].(map[string]any)
		if ruleName == "" || rawAlertTime == "" || matchBody == nil {
			continue
		}
		// Keep the document if the rule is gone; it may come back.
		r := e.RuleByName(ruleName)
		if r == nil {
			continue
		}
		alertTime, err := util.ParseTS(rawAlertTime)
		if err != nil || now.Before(alertTime) {
			continue
		}
		tc := &tickContext{es: e.searchClient(r)}
		aggregated, err := e.Store.AggregatedMatches(ctx, pa.ID)
		if err != nil {
			log.Printf("[engine] failed to collect aggregated matches for %s: %v", pa.ID, err)
		}
		if len(aggregated) > 0 {
			matches := append([]models.Match{matchBody}, aggregated...)
			e.alert(ctx, tc, r, matches, alertTime, false)
		} else {
			// A lone unsent doc on a non-aggregating rule is a failed
			// alert being retried.
			retried := !r.HasAggregation()
			e.alert(ctx, tc, r, []models.Match{matchBody}, alertTime, retried)
		}
		for key, id := range r.State.CurrentAggregateID {
			if id == pa.ID {
				delete(r.State.CurrentAggregateID, key)
				delete(r.State.AggregateAlertTime, key)
				break
			}
		}
		if err := e.Store.DeleteAlert(ctx, pa.ID); err != nil {
			e.handleError(ctx, "Failed to delete dispatched alert "+pa.ID+": "+err.Error(), nil)
		}
	}

	// In-memory groups that could never persist still honor their
	// deadlines.
	for _, r := range e.Rules() {
		st := r.State
		if len(st.AggMatches) == 0 {
			continue
		}
		tc := &tickContext{es: e.searchClient(r)}
		for aggKey, deadline := range st.AggregateAlertTime {
			if now.Before(deadline) {
				continue
			}
			var due, rest []models.Match
			for _, m := range st.AggMatches {
				if key, _ := r.AggregationKeyValue(m); key == aggKey {
					due = append(due, m)
				} else {
					rest = append(rest, m)
				}
			}
			if len(due) > 0 {
				e.alert(ctx, tc, r, due, now, false)
				st.AggMatches = rest
			}
		}
	}
}
