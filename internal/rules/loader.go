package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Deathtanium/elastalert2/internal/config"
	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/query"
)

// Loader turns rule files into Rule values and tracks their content hashes
// so the scheduler can detect edits without watching inodes.
type Loader interface {
	Load(ruleFilter string) ([]*models.Rule, error)
	GetHashes(ruleFilter string) (map[string]string, error)
	LoadFile(path string) (*models.Rule, error)
}

// FileLoader reads YAML rule files from the configured rules folder.
type FileLoader struct {
	Conf *config.Config
}

func NewFileLoader(conf *config.Config) *FileLoader {
	return &FileLoader{Conf: conf}
}

// stringOrList accepts both `key: user` and `key: [dc, host]`.
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// aggregationSpec is either a duration or a {schedule: "<cron>"} mapping.
type aggregationSpec struct {
	span     config.Duration
	schedule string
}

func (a *aggregationSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var probe struct {
			Schedule string `yaml:"schedule"`
		}
		if err := node.Decode(&probe); err == nil && probe.Schedule != "" {
			a.schedule = probe.Schedule
			return nil
		}
	}
	return node.Decode(&a.span)
}

type ruleFile struct {
	Name           string           `yaml:"name"`
	Type           string           `yaml:"type"`
	IsEnabled      *bool            `yaml:"is_enabled"`
	Index          string           `yaml:"index"`
	UseStrftime    bool             `yaml:"use_strftime_index"`
	SearchExtra    bool             `yaml:"search_extra_index"`
	ESURL          string           `yaml:"es_url"`
	TimestampField string           `yaml:"timestamp_field"`
	QueryTimezone  string           `yaml:"query_timezone"`
	RunEvery       *config.Duration `yaml:"run_every"`
	BufferTime     *config.Duration `yaml:"buffer_time"`
	Timeframe      config.Duration  `yaml:"timeframe"`
	QueryDelay     config.Duration  `yaml:"query_delay"`

	Filter       []map[string]any `yaml:"filter"`
	CompareKey   string           `yaml:"compare_key"`
	Blacklist    []string         `yaml:"blacklist"`
	Whitelist    []string         `yaml:"whitelist"`
	FilterByList *bool            `yaml:"filter_by_list"`

	UseCountQuery  bool           `yaml:"use_count_query"`
	UseTermsQuery  bool           `yaml:"use_terms_query"`
	AggQueryElem   map[string]any `yaml:"aggregation_query_element"`
	QueryKey       stringOrList   `yaml:"query_key"`
	AggregationKey stringOrList   `yaml:"aggregation_key"`

	Aggregation          aggregationSpec `yaml:"aggregation"`
	AggregateByMatchTime bool            `yaml:"aggregate_by_match_time"`
	AggAlertTimeByField  bool            `yaml:"aggregation_alert_time_compared_with_timestamp_field"`

	Realert            *config.Duration `yaml:"realert"`
	RealertKey         string           `yaml:"realert_key"`
	ExponentialRealert config.Duration  `yaml:"exponential_realert"`

	MaxQuerySize      int             `yaml:"max_query_size"`
	ScrollKeepalive   string          `yaml:"scroll_keepalive"`
	MaxScrollingCount int             `yaml:"max_scrolling_count"`
	TermsSize         int             `yaml:"terms_size"`
	MinDocCount       int             `yaml:"min_doc_count"`
	RawCountKeys      *bool           `yaml:"raw_count_keys"`
	TopCountKeys      []string        `yaml:"top_count_keys"`
	TopCountNumber    int             `yaml:"top_count_number"`
	Include           []string        `yaml:"include"`
	BucketInterval    config.Duration `yaml:"bucket_interval"`
	SyncBucketInt     bool            `yaml:"sync_bucket_interval"`

	AllowBufferOverlap  bool `yaml:"allow_buffer_time_overlap"`
	UseRunEveryQuery    bool `yaml:"use_run_every_query_size"`
	ScanEntireTimeframe bool `yaml:"scan_entire_timeframe"`

	LimitExecution         string `yaml:"limit_execution"`
	LimitExecutionCoverage bool   `yaml:"limit_execution_coverage"`

	RunEnhancementsFirst bool         `yaml:"run_enhancements_first"`
	IncludeRuleParams    []string     `yaml:"include_rule_params_in_matches"`
	IncludeParamsFirst   bool         `yaml:"include_rule_params_in_first_match_only"`
	MatchEnhancements    stringOrList `yaml:"match_enhancements"`

	GenerateKibanaURL     bool   `yaml:"generate_kibana_discover_url"`
	KibanaAppURL          string `yaml:"kibana_discover_app_url"`
	KibanaIndexPatternID  string `yaml:"kibana_discover_index_pattern_id"`
	GenerateOpenSearchURL bool   `yaml:"generate_opensearch_discover_url"`
	OpenSearchAppURL      string `yaml:"opensearch_discover_app_url"`
	OpenSearchIndexID     string `yaml:"opensearch_discover_index_id"`

	AddMetadataAlert bool   `yaml:"add_metadata_alert"`
	Category         string `yaml:"category"`
	Description      string `yaml:"description"`
	Owner            string `yaml:"owner"`
	Priority         int    `yaml:"priority"`

	NotifyEmail stringOrList `yaml:"notify_email"`
	Alert       stringOrList `yaml:"alert"`
}

// Load builds all rules in the folder. ruleFilter narrows the set to one
// file. Files that fail to parse are skipped with a log line so one broken
// rule does not take the engine down.
func (l *FileLoader) Load(ruleFilter string) ([]*models.Rule, error) {
	paths, err := l.ruleFiles(ruleFilter)
	if err != nil {
		return nil, err
	}
	var out []*models.Rule
	names := make(map[string]string)
	for _, path := range paths {
		r, err := l.LoadFile(path)
		if err != nil {
			log.Printf("[rules] skipping %s: %v", path, err)
			continue
		}
		if prev, dup := names[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q in %s and %s", r.Name, prev, path)
		}
		names[r.Name] = path
		out = append(out, r)
	}
	return out, nil
}

// GetHashes returns sha256 content hashes per rule file, the change
// detection input for config reload.
func (l *FileLoader) GetHashes(ruleFilter string) (map[string]string, error) {
	paths, err := l.ruleFiles(ruleFilter)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		hashes[path] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}

func (l *FileLoader) ruleFiles(ruleFilter string) ([]string, error) {
	if ruleFilter != "" {
		path := ruleFilter
		if !filepath.IsAbs(path) {
			if _, err := os.Stat(path); err != nil {
				path = filepath.Join(l.Conf.RulesFolder, ruleFilter)
			}
		}
		return []string{path}, nil
	}
	var paths []string
	err := filepath.WalkDir(l.Conf.RulesFolder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadFile parses and validates a single rule file.
func (l *FileLoader) LoadFile(path string) (*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if rf.Name == "" {
		return nil, fmt.Errorf("rule has no name")
	}
	if rf.Index == "" {
		return nil, fmt.Errorf("rule %s has no index", rf.Name)
	}
	if rf.Type == "" {
		return nil, fmt.Errorf("rule %s has no type", rf.Name)
	}

	conf := l.Conf
	r := &models.Rule{
		Name:             rf.Name,
		RuleFile:         path,
		IsEnabled:        rf.IsEnabled == nil || *rf.IsEnabled,
		Index:            rf.Index,
		UseStrftimeIndex: rf.UseStrftime,
		SearchExtraIndex: rf.SearchExtra,
		ESURL:            rf.ESURL,
		TimestampField:   defaultStr(rf.TimestampField, "@timestamp"),
		QueryTimezone:    rf.QueryTimezone,
		RunEvery:         conf.RunEvery.Duration,
		BufferTime:       conf.BufferTime.Duration,
		Timeframe:        rf.Timeframe.Duration,
		QueryDelay:       rf.QueryDelay.Duration,

		Filter:       rf.Filter,
		CompareKey:   rf.CompareKey,
		Blacklist:    rf.Blacklist,
		Whitelist:    rf.Whitelist,
		FilterByList: rf.FilterByList == nil || *rf.FilterByList,

		UseCountQuery:           rf.UseCountQuery,
		UseTermsQuery:           rf.UseTermsQuery,
		AggregationQueryElement: rf.AggQueryElem,

		Aggregation:          rf.Aggregation.span.Duration,
		AggregationSchedule:  rf.Aggregation.schedule,
		AggregateByMatchTime: rf.AggregateByMatchTime,
		AggregationAlertTimeComparedWithTimestampField: rf.AggAlertTimeByField,

		RealertKey:         defaultStr(rf.RealertKey, rf.Name),
		Realert:            time.Minute,
		ExponentialRealert: rf.ExponentialRealert.Duration,

		MaxQuerySize:      defaultInt(rf.MaxQuerySize, conf.MaxQuerySize),
		ScrollKeepalive:   defaultStr(rf.ScrollKeepalive, conf.ScrollKeepalive),
		MaxScrollingCount: rf.MaxScrollingCount,
		TermsSize:         defaultInt(rf.TermsSize, 50),
		MinDocCount:       defaultInt(rf.MinDocCount, 1),
		RawCountKeys:      rf.RawCountKeys == nil || *rf.RawCountKeys,
		TopCountKeys:      rf.TopCountKeys,
		TopCountNumber:    defaultInt(rf.TopCountNumber, 5),

		BucketInterval:     rf.BucketInterval.Duration,
		SyncBucketInterval: rf.SyncBucketInt,

		AllowBufferTimeOverlap: rf.AllowBufferOverlap,
		UseRunEveryQuerySize:   rf.UseRunEveryQuery,
		ScanEntireTimeframe:    rf.ScanEntireTimeframe,

		LimitExecution:         rf.LimitExecution,
		LimitExecutionCoverage: rf.LimitExecutionCoverage,

		RunEnhancementsFirst:              rf.RunEnhancementsFirst,
		IncludeRuleParamsInMatches:        rf.IncludeRuleParams,
		IncludeRuleParamsInFirstMatchOnly: rf.IncludeParamsFirst,

		GenerateKibanaDiscoverURL:     rf.GenerateKibanaURL,
		KibanaDiscoverAppURL:          rf.KibanaAppURL,
		KibanaDiscoverIndexPatternID:  rf.KibanaIndexPatternID,
		GenerateOpenSearchDiscoverURL: rf.GenerateOpenSearchURL,
		OpenSearchDiscoverAppURL:      rf.OpenSearchAppURL,
		OpenSearchDiscoverIndexID:     rf.OpenSearchIndexID,

		AddMetadataAlert: rf.AddMetadataAlert,
		Category:         rf.Category,
		Description:      rf.Description,
		Owner:            rf.Owner,
		Priority:         rf.Priority,

		NotifyEmail: rf.NotifyEmail,

		State: models.NewRuleState(),
	}
	if rf.RunEvery != nil {
		r.RunEvery = rf.RunEvery.Duration
	}
	if rf.BufferTime != nil {
		r.BufferTime = rf.BufferTime.Duration
	}
	if rf.Realert != nil {
		r.Realert = rf.Realert.Duration
	}
	if r.Timeframe == 0 {
		r.Timeframe = r.BufferTime
	}
	if r.BucketInterval > 0 {
		r.BucketIntervalPeriod = fmt.Sprintf("%ds", int(r.BucketInterval.Seconds()))
	}

	if len(rf.QueryKey) == 1 {
		r.QueryKey = rf.QueryKey[0]
	} else if len(rf.QueryKey) > 1 {
		r.CompoundQueryKey = rf.QueryKey
		r.QueryKey = strings.Join(rf.QueryKey, ",")
	}
	if len(rf.AggregationKey) == 1 {
		r.AggregationKey = rf.AggregationKey[0]
	} else if len(rf.AggregationKey) > 1 {
		r.CompoundAggregationKey = rf.AggregationKey
		r.AggregationKey = strings.Join(rf.AggregationKey, ",")
	}

	r.Include = buildInclude(rf.Include, r)

	if r.UseCountQuery && r.UseTermsQuery {
		return nil, fmt.Errorf("rule %s: use_count_query and use_terms_query are mutually exclusive", r.Name)
	}
	if r.UseTermsQuery && r.QueryKey == "" {
		return nil, fmt.Errorf("rule %s: use_terms_query requires query_key", r.Name)
	}

	query.EnhanceFilter(r)

	typeFactory, err := ruleTypeFor(rf.Type)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	if r.Type, err = typeFactory(r, raw); err != nil {
		return nil, fmt.Errorf("rule %s: construct type: %w", r.Name, err)
	}
	for _, name := range rf.Alert {
		f, err := alerterFor(name)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		a, err := f(r, raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s: construct alerter %s: %w", r.Name, name, err)
		}
		r.Alerters = append(r.Alerters, a)
	}
	for _, name := range rf.MatchEnhancements {
		f, err := enhancementFor(name)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		e, err := f(r, raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s: construct enhancement %s: %w", r.Name, name, err)
		}
		r.Enhancements = append(r.Enhancements, e)
	}
	if len(r.Alerters) == 0 {
		return nil, fmt.Errorf("rule %s has no alerters", r.Name)
	}
	return r, nil
}

// buildInclude resolves the _source field list. The default fetches whole
// documents; an explicit list is widened with every field the engine itself
// needs to read back.
func buildInclude(include []string, r *models.Rule) []string {
	if len(include) == 0 || (len(include) == 1 && include[0] == "*") {
		return nil
	}
	want := append([]string{}, include...)
	want = append(want, r.TimestampField)
	if r.CompareKey != "" {
		want = append(want, r.CompareKey)
	}
	if len(r.CompoundQueryKey) > 0 {
		want = append(want, r.CompoundQueryKey...)
	} else if r.QueryKey != "" {
		want = append(want, r.QueryKey)
	}
	if len(r.CompoundAggregationKey) > 0 {
		want = append(want, r.CompoundAggregationKey...)
	} else if r.AggregationKey != "" {
		want = append(want, r.AggregationKey)
	}
	want = append(want, r.TopCountKeys...)
	seen := make(map[string]bool)
	out := want[:0]
	for _, f := range want {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
