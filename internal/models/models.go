package models

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Deathtanium/elastalert2/internal/util"
)

// Match is one event produced by a rule type. After hit processing the
// rule's timestamp field always holds a time.Time.
type Match = map[string]any

// TermsBucket is one bucket from a terms aggregation response.
type TermsBucket struct {
	Key      any `json:"key"`
	DocCount int `json:"doc_count"`
}

// RuleType is the match detector contract. The engine feeds it data in the
// shape matching the rule's query mode and drains the matches it emits.
type RuleType interface {
	AddData(data []Match)
	AddCountData(counts map[time.Time]int)
	AddTermsData(buckets map[time.Time][]TermsBucket)
	AddAggregationData(payload map[time.Time]map[string]any)
	GarbageCollect(ts time.Time)
	DrainMatches() []Match
}

// AbsenceDetector is implemented by rule types that trigger on the absence
// of events. Such rules set "key" on their matches instead of carrying the
// query_key field, and top-count windows are widened for them.
type AbsenceDetector interface {
	TriggersOnAbsence() bool
}

// Alerter delivers a batch of matches to some destination. The pipeline is
// one mutable dict shared between every alerter of a single dispatch so
// alerters can pass data to each other.
type Alerter interface {
	Alert(matches []Match) error
	GetInfo() map[string]any
	SetPipeline(pipeline map[string]any)
}

// Enhancement mutates a match before alerting. Returning ErrDropMatch
// (possibly wrapped) removes the match from the batch.
type Enhancement interface {
	Process(match Match) error
}

// ErrDropMatch is the signal an enhancement returns to drop a match.
var ErrDropMatch = errors.New("match dropped by enhancement")

// Rule is one configured detector plus its constructed collaborators.
// Mutable per-rule execution state lives in State.
type Rule struct {
	Name     string
	RuleFile string

	IsEnabled bool

	Index            string
	UseStrftimeIndex bool
	SearchExtraIndex bool
	ESURL            string // per-rule backend override, empty means global

	TimestampField string
	QueryTimezone  string // IANA zone, applied only at the query boundary

	RunEvery   time.Duration
	BufferTime time.Duration
	Timeframe  time.Duration
	QueryDelay time.Duration

	Filter       []map[string]any
	CompareKey   string
	Blacklist    []string
	Whitelist    []string
	FilterByList bool

	// Query mode. Plain search when none of these are set.
	UseCountQuery           bool
	UseTermsQuery           bool
	AggregationQueryElement map[string]any

	QueryKey               string
	CompoundQueryKey       []string
	AggregationKey         string
	CompoundAggregationKey []string

	// Aggregation is the grouping window; AggregationSchedule is a cron
	// expression used instead when set.
	Aggregation          time.Duration
	AggregationSchedule  string
	AggregateByMatchTime bool
	// Compare group deadlines against the match's event timestamp instead
	// of wall clock when draining the queue.
	AggregationAlertTimeComparedWithTimestampField bool

	Realert            time.Duration
	RealertKey         string
	ExponentialRealert time.Duration

	MaxQuerySize      int
	ScrollKeepalive   string
	MaxScrollingCount int
	TermsSize         int
	MinDocCount       int
	RawCountKeys      bool
	TopCountKeys      []string
	TopCountNumber    int
	Include           []string

	BucketInterval       time.Duration
	BucketIntervalPeriod string // fixed_interval string for the date histogram
	BucketOffsetDelta    int    // seconds; set by the cursor logic, read by the builder
	SyncBucketInterval   bool

	AllowBufferTimeOverlap bool
	UseRunEveryQuerySize   bool
	ScanEntireTimeframe    bool

	LimitExecution         string // cron expression gating execution windows
	LimitExecutionCoverage bool

	RunEnhancementsFirst              bool
	IncludeRuleParamsInMatches        []string
	IncludeRuleParamsInFirstMatchOnly bool

	GenerateKibanaDiscoverURL     bool
	KibanaDiscoverAppURL          string
	KibanaDiscoverIndexPatternID  string
	GenerateOpenSearchDiscoverURL bool
	OpenSearchDiscoverAppURL      string
	OpenSearchDiscoverIndexID     string

	AddMetadataAlert bool
	Category         string
	Description      string
	Owner            string
	Priority         int

	NotifyEmail []string

	Type         RuleType
	Alerters     []Alerter
	Enhancements []Enhancement

	State *RuleState
}

// HasAggregation reports whether matches are routed through the aggregation
// queue instead of being dispatched immediately.
func (r *Rule) HasAggregation() bool {
	return r.Aggregation > 0 || r.AggregationSchedule != ""
}

// SilenceKey returns the key a match is silenced under: realert_key plus the
// match's query_key value when one exists.
func (r *Rule) SilenceKey(match Match) string {
	key := r.RealertKey
	if key == "" {
		key = r.Name
	}
	if qk, ok := r.QueryKeyValue(match); ok {
		key += "." + qk
	}
	return key
}

// QueryKeyValue extracts the match's query_key value. Absence-triggered rule
// types report the series key they synthesized instead.
func (r *Rule) QueryKeyValue(match Match) (string, bool) {
	if ad, ok := r.Type.(AbsenceDetector); ok && ad.TriggersOnAbsence() {
		if v, ok := match["key"]; ok && v != nil {
			return fmt.Sprintf("%v", v), true
		}
	}
	if r.QueryKey == "" {
		return "", false
	}
	v := util.LookupESKey(match, r.QueryKey)
	if v == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// AggregationKeyValue extracts the match's aggregation_key value. A
// configured key missing from the match maps to the "_missing" sentinel so
// such matches still group together.
func (r *Rule) AggregationKeyValue(match Match) (string, bool) {
	if r.AggregationKey == "" {
		return "", false
	}
	v := util.LookupESKey(match, r.AggregationKey)
	if v == nil {
		return "_missing", true
	}
	return fmt.Sprintf("%v", v), true
}

// MatchTime returns the normalized event timestamp of a match, if present.
func (r *Rule) MatchTime(match Match) (time.Time, bool) {
	v := util.LookupESKey(match, r.TimestampField)
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	return time.Time{}, false
}

// RuleState is the mutable execution state of one rule. It is touched by
// the rule's own tick, the pending-alert sweep and the memory GC task; all
// take the lock, GC with TryLock so it never stalls a running tick.
type RuleState struct {
	mu sync.Mutex

	StartTime         time.Time
	PreviousEndTime   time.Time
	MinimumStartTime  time.Time
	OriginalStartTime time.Time
	InitialStartTime  time.Time
	NextStartTime     time.Time
	NextMinStartTime  time.Time

	ScrollID       string
	ScrollingCycle int
	HasRunOnce     bool

	// ProcessedHits maps document id to normalized hit timestamp. Entries
	// older than buffer_time + query_delay are evicted after each tick.
	ProcessedHits map[string]time.Time

	// AggMatches is the in-memory fallback for aggregate matches whose
	// writeback persist failed.
	AggMatches []Match
	// CurrentAggregateID maps aggregation key to the writeback id of the
	// group's head document; AggregateAlertTime holds the group deadline.
	CurrentAggregateID map[string]string
	AggregateAlertTime map[string]time.Time
}

func NewRuleState() *RuleState {
	return &RuleState{
		ProcessedHits:      make(map[string]time.Time),
		CurrentAggregateID: make(map[string]string),
		AggregateAlertTime: make(map[string]time.Time),
	}
}

func (s *RuleState) Lock()         { s.mu.Lock() }
func (s *RuleState) Unlock()       { s.mu.Unlock() }
func (s *RuleState) TryLock() bool { return s.mu.TryLock() }

// AdoptFrom carries execution state over from a prior instance of the same
// rule across a config reload, so cursors and pending aggregates survive.
func (s *RuleState) AdoptFrom(old *RuleState) {
	if old == nil {
		return
	}
	old.Lock()
	defer old.Unlock()
	s.StartTime = old.StartTime
	s.MinimumStartTime = old.MinimumStartTime
	s.PreviousEndTime = old.PreviousEndTime
	s.HasRunOnce = old.HasRunOnce
	s.ProcessedHits = old.ProcessedHits
	s.AggMatches = old.AggMatches
	s.CurrentAggregateID = old.CurrentAggregateID
	s.AggregateAlertTime = old.AggregateAlertTime
}
