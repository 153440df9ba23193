package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Deathtanium/elastalert2/internal/util"
)

// Duration unmarshals the time forms rule and config files use: a unit map
// like {minutes: 5} or a Go duration string like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var units map[string]float64
		if err := node.Decode(&units); err != nil {
			return err
		}
		var total time.Duration
		for unit, n := range units {
			part, err := util.DurationFromUnits(unit, n)
			if err != nil {
				return err
			}
			total += part
		}
		d.Duration = total
		return nil
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", node.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("bad duration node")
	}
}

// Config is the global configuration file plus the parsed CLI arguments.
type Config struct {
	ESURL      string `yaml:"es_url"`
	ESUsername string `yaml:"es_username"`
	ESPassword string `yaml:"es_password"`

	WritebackIndex    string `yaml:"writeback_index"`
	WritebackSuffixed bool   `yaml:"writeback_suffixed"`

	RulesFolder string `yaml:"rules_folder"`

	RunEvery       Duration `yaml:"run_every"`
	BufferTime     Duration `yaml:"buffer_time"`
	AlertTimeLimit Duration `yaml:"alert_time_limit"`
	OldQueryLimit  Duration `yaml:"old_query_limit"`

	MaxQuerySize    int    `yaml:"max_query_size"`
	ScrollKeepalive string `yaml:"scroll_keepalive"`
	MaxAggregation  int    `yaml:"max_aggregation"`
	MaxThreads      int    `yaml:"max_threads"`

	DisableRulesOnError bool `yaml:"disable_rules_on_error"`
	ShowDisabledRules   bool `yaml:"show_disabled_rules"`

	StringMultiFieldName string `yaml:"string_multi_field_name"`

	NotifyEmail     []string `yaml:"notify_email"`
	NotifyAllErrors bool     `yaml:"notify_all_errors"`
	FromAddr        string   `yaml:"from_addr"`
	SMTPHost        string   `yaml:"smtp_host"`

	Args Args `yaml:"-"`
}

// Args holds the command line surface.
type Args struct {
	ConfigFile     string
	Debug          bool
	Verbose        bool
	Rule           string
	Silence        string
	SilenceQKValue string
	Start          string
	End            string
	Patience       time.Duration
	PinRules       bool
	ESDebug        bool
	ESDebugTrace   string
	PrometheusPort int
	PrometheusAddr string
}

// Load reads the global config and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	conf := Defaults()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if conf.ESURL == "" {
		conf.ESURL = os.Getenv("ES_URL")
	}
	if conf.ESURL == "" {
		return nil, fmt.Errorf("config %s: es_url is required", path)
	}
	if conf.RulesFolder == "" {
		return nil, fmt.Errorf("config %s: rules_folder is required", path)
	}
	return conf, nil
}

// Defaults returns a config with every optional knob at its default.
func Defaults() *Config {
	return &Config{
		WritebackIndex:       "elastalert_status",
		RunEvery:             Duration{5 * time.Minute},
		BufferTime:           Duration{15 * time.Minute},
		AlertTimeLimit:       Duration{2 * 24 * time.Hour},
		OldQueryLimit:        Duration{7 * 24 * time.Hour},
		MaxQuerySize:         10000,
		ScrollKeepalive:      "30s",
		MaxAggregation:       10000,
		MaxThreads:           10,
		ShowDisabledRules:    true,
		StringMultiFieldName: ".keyword",
		FromAddr:             "ElastAlert",
		SMTPHost:             "localhost",
	}
}
