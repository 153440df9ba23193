// Package engine runs rules against the search backend: it owns the time
// cursors, the query pipeline, match silencing, the aggregation queue and
// alert dispatch.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Deathtanium/elastalert2/internal/config"
	"github.com/Deathtanium/elastalert2/internal/metrics"
	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/notify"
	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/silence"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

// JobController is the slice of the scheduler the engine needs: pausing a
// misbehaving rule's job and deferring the next run for execution-window
// gating.
type JobController interface {
	PauseJob(name string)
	SetNextRun(name string, t time.Time)
}

// Engine executes rules. One tick at a time per rule; distinct rules run
// concurrently under the scheduler's worker limit.
type Engine struct {
	Conf     *config.Config
	Store    *writeback.Store
	Silencer *silence.Silencer
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Sched    JobController

	// Debug substitutes the debug alerter for real alerters and suppresses
	// writeback writes.
	Debug bool

	// Trace receives a curl rendition of every backend call when set.
	Trace io.Writer

	mu       sync.RWMutex
	rules    []*models.Rule
	disabled []*models.Rule

	clientMu  sync.Mutex
	esClients map[string]*query.Client

	// alertLock serializes the aggregation queue and the pending-alert
	// sweep across all rules.
	alertLock sync.Mutex
}

// tickContext carries the counters of one rule execution so concurrent
// ticks never share mutable state.
type tickContext struct {
	es             *query.Client
	numHits        int
	numDupes       int
	cumulativeHits int
	totalHits      int
	alertsSent     int
}

func New(conf *config.Config, store *writeback.Store, sil *silence.Silencer) *Engine {
	return &Engine{
		Conf:      conf,
		Store:     store,
		Silencer:  sil,
		esClients: make(map[string]*query.Client),
	}
}

// SetRules replaces the active rule set.
func (e *Engine) SetRules(rules []*models.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Rules returns a snapshot of the active rule set.
func (e *Engine) Rules() []*models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*models.Rule(nil), e.rules...)
}

// RuleByName finds an active rule.
func (e *Engine) RuleByName(name string) *models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// AddRule appends a rule to the active set.
func (e *Engine) AddRule(r *models.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// RemoveRule drops a rule from the active set and reports whether it was
// present.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// DisabledRules returns the rules parked after an uncaught error.
func (e *Engine) DisabledRules() []*models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*models.Rule(nil), e.disabled...)
}

// TakeDisabled removes and returns a parked rule so a changed file can be
// reloaded fresh.
func (e *Engine) TakeDisabled(name string) *models.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.disabled {
		if r.Name == name {
			e.disabled = append(e.disabled[:i], e.disabled[i+1:]...)
			return r
		}
	}
	return nil
}

// searchClient returns the backend client a rule queries, honoring the
// per-rule es_url override. Clients are cached per URL.
func (e *Engine) searchClient(r *models.Rule) *query.Client {
	url := r.ESURL
	if url == "" {
		url = e.Conf.ESURL
	}
	e.clientMu.Lock()
	defer e.clientMu.Unlock()
	if c, ok := e.esClients[url]; ok {
		return c
	}
	c := query.NewClient(url)
	c.Username = e.Conf.ESUsername
	c.Password = e.Conf.ESPassword
	c.Debug = e.Conf.Args.ESDebug
	c.Trace = e.Trace
	e.esClients[url] = c
	return c
}

// handleError logs an operational error, bumps the error metric, optionally
// notifies, and records an error document.
func (e *Engine) handleError(ctx context.Context, message string, data map[string]any) {
	log.Printf("[engine] %s", message)
	if e.Metrics != nil {
		e.Metrics.Errors.Inc()
	}
	if e.Notifier != nil && e.Conf.NotifyAllErrors {
		e.Notifier.NotifyError(message, nil, nil)
	}
	body := map[string]any{"message": message, "data": data}
	if _, err := e.Store.Writeback(ctx, writeback.DocError, body); err != nil {
		log.Printf("[engine] failed to write error doc: %v", err)
	}
}

// handleUncaughtError parks a rule after an unexpected failure when
// disable_rules_on_error is set, so one broken rule cannot take the whole
// scheduler loop down with it.
func (e *Engine) handleUncaughtError(ctx context.Context, r *models.Rule, err error) {
	msg := fmt.Sprintf("Uncaught error running rule %s: %v", r.Name, err)
	e.handleError(ctx, msg, map[string]any{"rule": r.Name})
	if e.Conf.DisableRulesOnError {
		e.mu.Lock()
		for i, cur := range e.rules {
			if cur.Name == r.Name {
				e.rules = append(e.rules[:i], e.rules[i+1:]...)
				break
			}
		}
		e.disabled = append(e.disabled, r)
		e.mu.Unlock()
		if e.Sched != nil {
			e.Sched.PauseJob(r.Name)
		}
		log.Printf("[engine] rule %s disabled", r.Name)
	}
	if e.Notifier != nil && len(e.Notifier.Email)+len(r.NotifyEmail) > 0 {
		e.Notifier.NotifyError(msg, r, err)
	}
}

// CleanupMemory evicts stale dedupe entries, expired silences, spent
// aggregate deadlines and backend clients no rule references anymore.
// Rules whose tick is in flight are skipped rather than waited on.
func (e *Engine) CleanupMemory() {
	now := util.Now()
	rules := e.Rules()
	for _, r := range rules {
		if !r.State.TryLock() {
			continue
		}
		e.removeOldEventsLocked(r)
		r.State.Unlock()
	}
	e.Silencer.Cleanup()

	e.alertLock.Lock()
	for _, r := range rules {
		st := r.State
		// Keep deadlines that in-memory matches still need; the sweep
		// drains those.
		if len(st.AggMatches) > 0 {
			continue
		}
		for key, deadline := range st.AggregateAlertTime {
			if now.After(deadline) {
				delete(st.AggregateAlertTime, key)
				delete(st.CurrentAggregateID, key)
			}
		}
	}
	e.alertLock.Unlock()

	inUse := map[string]bool{e.Conf.ESURL: true}
	for _, r := range rules {
		if r.ESURL != "" {
			inUse[r.ESURL] = true
		}
	}
	e.clientMu.Lock()
	for url := range e.esClients {
		if !inUse[url] {
			delete(e.esClients, url)
		}
	}
	e.clientMu.Unlock()
}

// removeOldEventsLocked prunes dedupe entries older than the rule's buffer
// window. Caller holds the rule state lock.
func (e *Engine) removeOldEventsLocked(r *models.Rule) {
	now := util.Now()
	horizon := r.BufferTime + r.QueryDelay
	for id, ts := range r.State.ProcessedHits {
		if now.Sub(ts) > horizon {
			delete(r.State.ProcessedHits, id)
		}
	}
}
