package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

// HandleRuleExecution is one scheduled tick of a rule: compute the window
// end, honor execution-window gating, run the rule, log the outcome and
// reschedule.
func (e *Engine) HandleRuleExecution(ctx context.Context, r *models.Rule) {
	nextRun := time.Now().Add(r.RunEvery)

	var endtime time.Time
	switch {
	case e.Conf.Args.End != "":
		parsed, err := util.ParseTS(e.Conf.Args.End)
		if err != nil {
			e.handleError(ctx, fmt.Sprintf("Could not parse end time %s: %v", e.Conf.Args.End, err), nil)
			return
		}
		endtime = parsed
	case r.QueryDelay > 0:
		endtime = util.Now().Add(-r.QueryDelay)
	default:
		endtime = util.Now()
	}

	r.State.Lock()
	if r.LimitExecution != "" {
		r.State.NextStartTime = time.Time{}
		r.State.NextMinStartTime = time.Time{}
		sched, err := cron.ParseStandard(r.LimitExecution)
		if err != nil {
			r.State.Unlock()
			e.handleError(ctx, fmt.Sprintf("Bad limit_execution for %s: %v", r.Name, err), map[string]any{"rule": r.Name})
			return
		}
		next := sched.Next(util.Now())
		// If even the next tick would land more than a minute before the
		// cron window opens, pause the rule until then.
		if endtime.Add(r.RunEvery).Before(next.Add(-59 * time.Second)) {
			r.State.NextStartTime = next
			if r.LimitExecutionCoverage {
				r.State.NextMinStartTime = next
			}
			if !r.State.HasRunOnce {
				r.State.Unlock()
				e.resetRuleSchedule(r)
				return
			}
		}
	}
	r.State.HasRunOnce = true

	tc := &tickContext{es: e.searchClient(r)}
	start := time.Now()
	numMatches, err := e.runRule(ctx, tc, r, endtime, r.State.InitialStartTime)
	r.State.InitialStartTime = time.Time{}
	if err != nil {
		r.State.Unlock()
		e.handleUncaughtError(ctx, r, err)
		return
	}
	log.Printf("[engine] Ran %s from %s to %s: %d query hits (%d already seen), %d matches, %d alerts sent",
		r.Name, util.PrettyTS(r.State.OriginalStartTime), util.PrettyTS(endtime),
		tc.cumulativeHits, tc.numDupes, numMatches, tc.alertsSent)
	if e.Metrics != nil {
		e.Metrics.ObserveRun(r.Name, time.Since(start).Seconds(), tc.cumulativeHits, tc.numDupes, numMatches, tc.alertsSent)
	}
	if time.Now().After(nextRun) {
		log.Printf("[engine] Querying from %s to %s took longer than %s!",
			util.PrettyTS(r.State.OriginalStartTime), util.PrettyTS(endtime), r.RunEvery)
	}
	e.removeOldEventsLocked(r)
	r.State.Unlock()
	e.resetRuleSchedule(r)
}

// resetRuleSchedule defers the next run when an execution window just
// closed. With coverage limiting the cursor also jumps forward so the gap
// is never queried.
func (e *Engine) resetRuleSchedule(r *models.Rule) {
	r.State.Lock()
	next := r.State.NextStartTime
	nextMin := r.State.NextMinStartTime
	if !nextMin.IsZero() {
		r.State.MinimumStartTime = nextMin
		r.State.PreviousEndTime = nextMin
	}
	r.State.Unlock()
	if r.LimitExecution != "" && !next.IsZero() && e.Sched != nil {
		e.Sched.SetNextRun(r.Name, next)
		log.Printf("[engine] Pausing %s until next run at %s", r.Name, util.PrettyTS(next))
	}
}

// runRule executes one rule over [starttime, endtime], walking the window
// in segments, draining matches and recording the run. Caller holds the
// rule state lock.
func (e *Engine) runRule(ctx context.Context, tc *tickContext, r *models.Rule, endtime, initialStart time.Time) (int, error) {
	runStart := time.Now()
	st := r.State

	// Retry any aggregate matches that failed to persist last time.
	e.alertLock.Lock()
	pending := st.AggMatches
	st.AggMatches = nil
	e.alertLock.Unlock()
	for _, match := range pending {
		e.addAggregatedAlert(ctx, tc, r, match)
	}

	if !initialStart.IsZero() {
		st.StartTime = initialStart
	} else if err := e.setStarttime(ctx, r, endtime); err != nil {
		return 0, err
	}
	st.OriginalStartTime = st.StartTime
	st.ScrollingCycle = 0
	tc.numHits = 0
	tc.numDupes = 0

	if !util.Now().After(st.StartTime) {
		log.Printf("[engine] Attempted to use query start time in the future (%s), sleeping instead", util.PrettyTS(st.StartTime))
		return 0, nil
	}

	segmentSize := e.segmentSize(r)
	tmpEnd := st.StartTime
	for endtime.Sub(st.StartTime) > segmentSize {
		tmpEnd = tmpEnd.Add(segmentSize)
		if !e.runQuery(ctx, tc, r, st.StartTime, tmpEnd) {
			// The failure is already recorded; the cursor stays put so the
			// next tick retries the same window.
			return 0, nil
		}
		tc.cumulativeHits += tc.numHits
		tc.numHits = 0
		st.StartTime = tmpEnd
		r.Type.GarbageCollect(tmpEnd)
	}

	if r.AggregationQueryElement != nil {
		switch {
		case endtime.Sub(tmpEnd) == segmentSize:
			if !e.runQuery(ctx, tc, r, tmpEnd, endtime) {
				return 0, nil
			}
			tc.cumulativeHits += tc.numHits
		case st.OriginalStartTime.Equal(tmpEnd):
			// The tail is shorter than a full bucket segment; wait for
			// more data rather than querying a partial bucket.
			st.StartTime = st.OriginalStartTime
			return 0, nil
		default:
			endtime = tmpEnd
		}
	} else {
		if !e.runQuery(ctx, tc, r, st.StartTime, endtime) {
			return 0, nil
		}
		tc.cumulativeHits += tc.numHits
		r.Type.GarbageCollect(endtime)
	}

	matches := r.Type.DrainMatches()
	numMatches := len(matches)
	for _, match := range matches {
		match["num_hits"] = tc.cumulativeHits
		match["num_matches"] = numMatches

		silenceKey := r.SilenceKey(match)
		if e.Silencer.IsSilenced(ctx, r.Name+"._silence") || e.Silencer.IsSilenced(ctx, silenceKey) {
			log.Printf("[engine] Ignoring match for silenced rule %s", silenceKey)
			continue
		}
		if r.Realert > 0 {
			nextAlert, exponent := e.Silencer.NextAlertTime(r, silenceKey, util.Now())
			if err := e.Silencer.SetRealert(ctx, silenceKey, nextAlert, exponent); err != nil {
				log.Printf("[engine] failed to persist silence for %s: %v", silenceKey, err)
			}
		}
		if r.RunEnhancementsFirst {
			kept, dropped := e.runEnhancements(ctx, r, match)
			if dropped {
				continue
			}
			match = kept
		}
		if !r.HasAggregation() {
			tc.alertsSent += e.alert(ctx, tc, r, []models.Match{match}, util.Now(), false)
			continue
		}
		e.addAggregatedAlert(ctx, tc, r, match)
	}

	st.PreviousEndTime = endtime
	body := map[string]any{
		"rule_name":  r.Name,
		"starttime":  st.OriginalStartTime,
		"endtime":    endtime,
		"matches":    numMatches,
		"hits":       maxInt(tc.numHits, tc.cumulativeHits),
		"time_taken": time.Since(runStart).Seconds(),
	}
	if _, err := e.Store.Writeback(ctx, writeback.DocStatus, body); err != nil {
		log.Printf("[engine] failed to write status for %s: %v", r.Name, err)
	}
	return numMatches, nil
}

// setStarttime decides where the next query window begins: the persisted
// cursor on first run, then the buffer window clamped so it never reaches
// behind the resume point or re-reads past the previous end.
func (e *Engine) setStarttime(ctx context.Context, r *models.Rule, endtime time.Time) error {
	st := r.State
	if st.StartTime.IsZero() && e.Conf.Args.Start != "" {
		parsed, err := util.ParseTS(e.Conf.Args.Start)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		st.StartTime = parsed
		return nil
	}
	if st.StartTime.IsZero() && !r.ScanEntireTimeframe {
		lastEnd, ok, err := e.Store.LastRunEndTime(ctx, r.Name, e.Conf.OldQueryLimit.Duration)
		if err != nil {
			log.Printf("[engine] could not load previous run for %s: %v", r.Name, err)
		} else if ok {
			st.StartTime = lastEnd
			e.adjustStartForOverlappingAggQuery(r)
			e.adjustStartForIntervalSync(r, endtime)
			st.MinimumStartTime = st.StartTime
			return nil
		}
	}

	if !r.UseCountQuery && !r.UseTermsQuery {
		if r.ScanEntireTimeframe {
			st.StartTime = endtime.Add(-r.Timeframe)
			return nil
		}
		bufferDelta := endtime.Add(-r.BufferTime)
		switch {
		case !st.MinimumStartTime.IsZero() && st.MinimumStartTime.After(bufferDelta):
			st.StartTime = st.MinimumStartTime
		case !st.PreviousEndTime.IsZero() && st.PreviousEndTime.Before(bufferDelta):
			st.StartTime = st.PreviousEndTime
			e.adjustStartForOverlappingAggQuery(r)
		default:
			st.StartTime = bufferDelta
		}
		e.adjustStartForIntervalSync(r, endtime)
		return nil
	}

	if r.ScanEntireTimeframe {
		st.StartTime = endtime.Add(-r.Timeframe)
		return nil
	}
	if !st.PreviousEndTime.IsZero() {
		st.StartTime = st.PreviousEndTime
	} else {
		st.StartTime = endtime.Add(-r.RunEvery)
	}
	return nil
}

// adjustStartForOverlappingAggQuery widens the window backwards for
// aggregation rules that allow buffer overlap, so partially filled buckets
// at the previous end get recomputed with full data.
func (e *Engine) adjustStartForOverlappingAggQuery(r *models.Rule) {
	if r.AggregationQueryElement == nil {
		return
	}
	if r.AllowBufferTimeOverlap && !r.UseRunEveryQuerySize && r.BufferTime > r.RunEvery {
		r.State.StartTime = r.State.StartTime.Add(-(r.BufferTime - r.RunEvery))
		r.State.OriginalStartTime = r.State.StartTime
	}
}

// adjustStartForIntervalSync aligns the window with the histogram bucket
// interval: either snap the start down to a bucket boundary or record the
// offset for the histogram to apply.
func (e *Engine) adjustStartForIntervalSync(r *models.Rule, endtime time.Time) {
	if r.AggregationQueryElement == nil || r.BucketInterval <= 0 {
		return
	}
	intervalSec := int64(r.BucketInterval.Seconds())
	if intervalSec <= 0 {
		return
	}
	offset := r.State.StartTime.Unix() % intervalSec
	if r.SyncBucketInterval {
		r.State.StartTime = time.Unix(r.State.StartTime.Unix()-offset, 0).UTC()
	} else {
		r.BucketOffsetDelta = int(offset)
	}
}

// segmentSize is how much of the window one query may cover. Count and
// terms windows advance a run_every at a time; everything else walks in
// buffer_time segments.
func (e *Engine) segmentSize(r *models.Rule) time.Duration {
	if !r.UseCountQuery && !r.UseTermsQuery && r.AggregationQueryElement == nil {
		return r.BufferTime
	}
	if r.AggregationQueryElement != nil {
		if r.UseRunEveryQuerySize {
			return r.RunEvery
		}
		return r.BufferTime
	}
	return r.RunEvery
}

// runEnhancements applies the rule's enhancements to a match. The second
// return is true when the match was dropped.
func (e *Engine) runEnhancements(ctx context.Context, r *models.Rule, match models.Match) (models.Match, bool) {
	for _, enh := range r.Enhancements {
		if err := enh.Process(match); err != nil {
			if isDropMatch(err) {
				return nil, true
			}
			e.handleError(ctx, fmt.Sprintf("Error running match enhancement: %v", err), map[string]any{"rule": r.Name})
		}
	}
	return match, false
}

func isDropMatch(err error) bool {
	return errors.Is(err, models.ErrDropMatch)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
