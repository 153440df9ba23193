// Package scheduler owns the run loop: one goroutine per rule firing every
// run_every, a worker limit shared across rules, and the internal jobs for
// the pending-alert sweep, rule file reload and memory cleanup.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Deathtanium/elastalert2/internal/config"
	"github.com/Deathtanium/elastalert2/internal/engine"
	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/rules"
	"github.com/Deathtanium/elastalert2/internal/util"
)

// startJitterMax spreads initial rule runs so a restart does not slam the
// backend with every query at once. recurJitterMax desynchronizes rules
// that share a run_every.
const (
	startJitterMax = 15 * time.Second
	recurJitterMax = 5 * time.Second

	memoryCleanupEvery = 10 * time.Minute
)

type Scheduler struct {
	engine *engine.Engine
	loader rules.Loader
	conf   *config.Config

	mu         sync.Mutex
	tasks      map[string]*ruleTask
	ruleHashes map[string]string

	// sem bounds how many rules execute at once (max_threads).
	sem      chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ruleTask is one rule's schedule. The goroutine in runTask is the only
// place the rule ever executes, so ticks of the same rule never overlap.
type ruleTask struct {
	rule     *models.Rule
	stopChan chan struct{}
	wake     chan struct{}

	mu      sync.Mutex
	nextRun time.Time
	paused  bool
}

func NewScheduler(eng *engine.Engine, loader rules.Loader, conf *config.Config) *Scheduler {
	s := &Scheduler{
		engine:     eng,
		loader:     loader,
		conf:       conf,
		tasks:      make(map[string]*ruleTask),
		ruleHashes: make(map[string]string),
		sem:        make(chan struct{}, conf.MaxThreads),
		stopChan:   make(chan struct{}),
	}
	eng.Sched = s
	return s
}

// Start loads the rule set and begins scheduling. It returns once every
// rule's goroutine is launched.
func (s *Scheduler) Start() error {
	loaded, err := s.loader.Load(s.conf.Args.Rule)
	if err != nil {
		return err
	}
	hashes, err := s.loader.GetHashes(s.conf.Args.Rule)
	if err != nil {
		return err
	}

	var active []*models.Rule
	for _, r := range loaded {
		if !r.IsEnabled {
			log.Printf("[scheduler] %s is disabled, skipping", r.Name)
			continue
		}
		active = append(active, r)
	}
	s.engine.SetRules(active)

	s.mu.Lock()
	s.ruleHashes = hashes
	for _, r := range active {
		s.startTaskLocked(r)
	}
	s.mu.Unlock()
	log.Printf("[scheduler] starting with %d rules", len(active))

	go s.runInternalJobs()
	return nil
}

// Stop halts every task and the internal jobs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Println("[scheduler] stopping")
		close(s.stopChan)
	})
	s.mu.Lock()
	for name, task := range s.tasks {
		close(task.stopChan)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
}

// Wait blocks until every rule task has finished. With --end set each rule
// runs exactly once, so Wait returns after the last bounded run; an
// unbounded scheduler needs Stop from another goroutine first.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// PauseJob stops a rule's schedule without touching the engine's rule set.
// The engine calls this after parking a rule on an uncaught error.
func (s *Scheduler) PauseJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	if !ok {
		return
	}
	task.mu.Lock()
	task.paused = true
	task.mu.Unlock()
	select {
	case task.wake <- struct{}{}:
	default:
	}
	log.Printf("[scheduler] paused %s", name)
}

// SetNextRun defers a rule's next fire, used by execution-window gating.
func (s *Scheduler) SetNextRun(name string, t time.Time) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	task.mu.Lock()
	task.nextRun = t
	task.mu.Unlock()
	select {
	case task.wake <- struct{}{}:
	default:
	}
}

// startTaskLocked registers a rule's task and launches its goroutine.
// Caller holds s.mu.
func (s *Scheduler) startTaskLocked(r *models.Rule) {
	jitter := time.Duration(rand.Int63n(int64(startJitterMax)))
	task := &ruleTask{
		rule:     r,
		stopChan: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		nextRun:  time.Now().Add(jitter),
	}
	s.tasks[r.Name] = task
	s.wg.Add(1)
	go s.runTask(task)
}

func (s *Scheduler) stopTaskLocked(name string) {
	if task, ok := s.tasks[name]; ok {
		close(task.stopChan)
		delete(s.tasks, name)
	}
}

// runTask fires the rule each time its nextRun arrives. SetNextRun and
// PauseJob poke the wake channel so schedule changes apply without waiting
// out the old timer.
func (s *Scheduler) runTask(task *ruleTask) {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		task.mu.Lock()
		paused := task.paused
		wait := time.Until(task.nextRun)
		task.mu.Unlock()
		if paused {
			return
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-task.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-task.stopChan:
			return
		case <-s.stopChan:
			return
		}

		s.sem <- struct{}{}
		s.engine.HandleRuleExecution(context.Background(), task.rule)
		<-s.sem

		if s.conf.Args.End != "" {
			// A bounded run covers up to --end once and stops.
			log.Printf("[scheduler] %s finished bounded run", task.rule.Name)
			s.mu.Lock()
			delete(s.tasks, task.rule.Name)
			s.mu.Unlock()
			return
		}

		jitter := time.Duration(rand.Int63n(int64(recurJitterMax)))
		next := time.Now().Add(task.rule.RunEvery + jitter)
		task.mu.Lock()
		// Keep a later deferral installed by SetNextRun during the run.
		if task.nextRun.Before(next) {
			task.nextRun = next
		}
		task.mu.Unlock()
	}
}

// runInternalJobs drives the periodic non-rule work: the pending-alert
// sweep plus rule change detection every run_every, and memory cleanup on
// its own slower cadence. It runs until Stop.
func (s *Scheduler) runInternalJobs() {
	sweep := time.NewTicker(s.conf.RunEvery.Duration)
	defer sweep.Stop()
	cleanup := time.NewTicker(memoryCleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-sweep.C:
			s.engine.SendPendingAlerts(context.Background())
			if !s.conf.Args.PinRules {
				s.loadRuleChanges()
			}
			s.logDisabledRules()
		case <-cleanup.C:
			s.engine.CleanupMemory()
		case <-s.stopChan:
			return
		}
	}
}

// logDisabledRules names the rules parked after uncaught errors, once per
// sweep, so a silently dead rule does not go unnoticed. Gated by
// show_disabled_rules.
func (s *Scheduler) logDisabledRules() {
	if !s.conf.ShowDisabledRules {
		return
	}
	disabled := s.engine.DisabledRules()
	if len(disabled) == 0 {
		return
	}
	names := make([]string, 0, len(disabled))
	for _, r := range disabled {
		names = append(names, r.Name)
	}
	log.Printf("[scheduler] Disabled rules are: %s", strings.Join(names, ", "))
}

// loadRuleChanges diffs rule file hashes against the last load and applies
// additions, removals and edits. Edited rules keep their execution state so
// cursors and pending aggregates survive the reload.
func (s *Scheduler) loadRuleChanges() {
	newHashes, err := s.loader.GetHashes(s.conf.Args.Rule)
	if err != nil {
		log.Printf("[scheduler] could not check rule files: %v", err)
		return
	}

	s.mu.Lock()
	oldHashes := s.ruleHashes
	s.ruleHashes = newHashes
	s.mu.Unlock()

	for path, oldHash := range oldHashes {
		if _, still := newHashes[path]; !still {
			s.removeRuleFile(path)
			continue
		}
		if newHashes[path] != oldHash {
			s.reloadRuleFile(path)
		}
	}
	for path := range newHashes {
		if _, known := oldHashes[path]; !known {
			s.addRuleFile(path)
		}
	}
}

func (s *Scheduler) addRuleFile(path string) {
	r, err := s.loader.LoadFile(path)
	if err != nil {
		log.Printf("[scheduler] skipping new rule file %s: %v", path, err)
		return
	}
	if !r.IsEnabled {
		return
	}
	if s.engine.RuleByName(r.Name) != nil {
		log.Printf("[scheduler] new rule file %s duplicates rule %s, ignoring", path, r.Name)
		return
	}
	s.engine.AddRule(r)
	s.mu.Lock()
	s.startTaskLocked(r)
	s.mu.Unlock()
	log.Printf("[scheduler] loaded new rule %s", r.Name)
}

func (s *Scheduler) removeRuleFile(path string) {
	name := s.ruleNameForFile(path)
	if name == "" {
		return
	}
	s.engine.RemoveRule(name)
	s.engine.TakeDisabled(name)
	s.mu.Lock()
	s.stopTaskLocked(name)
	s.mu.Unlock()
	if s.engine.Metrics != nil {
		s.engine.Metrics.Forget(name)
	}
	log.Printf("[scheduler] removed rule %s (%s deleted)", name, path)
}

func (s *Scheduler) reloadRuleFile(path string) {
	fresh, err := s.loader.LoadFile(path)
	if err != nil {
		log.Printf("[scheduler] skipping changed rule file %s: %v", path, err)
		return
	}

	// The edit may have renamed the rule; retire the old name first.
	oldName := s.ruleNameForFile(path)
	var prior *models.RuleState
	if oldName != "" {
		if old := s.engine.RuleByName(oldName); old != nil {
			prior = old.State
		} else if parked := s.engine.TakeDisabled(oldName); parked != nil {
			// An edit to a parked rule re-enables it.
			prior = parked.State
		}
		s.engine.RemoveRule(oldName)
		s.mu.Lock()
		s.stopTaskLocked(oldName)
		s.mu.Unlock()
		if oldName != fresh.Name && s.engine.Metrics != nil {
			s.engine.Metrics.Forget(oldName)
		}
	}

	if !fresh.IsEnabled {
		log.Printf("[scheduler] %s is now disabled", fresh.Name)
		if s.engine.Metrics != nil {
			s.engine.Metrics.Forget(fresh.Name)
		}
		return
	}
	fresh.State.AdoptFrom(prior)
	s.engine.AddRule(fresh)
	s.mu.Lock()
	s.startTaskLocked(fresh)
	s.mu.Unlock()
	log.Printf("[scheduler] reloaded rule %s at %s", fresh.Name, util.PrettyTS(time.Now()))
}

// ruleNameForFile maps a rule file back to the rule it produced, checking
// the active set first and then the parked set.
func (s *Scheduler) ruleNameForFile(path string) string {
	for _, r := range s.engine.Rules() {
		if r.RuleFile == path {
			return r.Name
		}
	}
	for _, r := range s.engine.DisabledRules() {
		if r.RuleFile == path {
			return r.Name
		}
	}
	return ""
}
