// Package config loads and defaults the Saline server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RenameRule rewrites a matched sls/sid fragment into a canonical label
// value before it reaches the label-cardinality merger. Pattern is a
// regular expression; Replacement may reference capture groups.
type RenameRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// MergeRuleConfig controls when the label-cardinality merger starts
// collapsing observed label values for a given nesting level into
// wildcarded patterns.
type MergeRuleConfig struct {
	StartMergingOn int `yaml:"start_merging_on"`
}

// MergeRules holds the per-level merge thresholds: sls (top-level state
// file grouping) and sid (state id within an sls).
type MergeRules struct {
	SLS MergeRuleConfig `yaml:"sls"`
	SID MergeRuleConfig `yaml:"sid"`
}

// Config is the root Saline server configuration, loaded from YAML.
type Config struct {
	// Bus is the websocket URL of the Salt master event bus to subscribe to.
	Bus string `yaml:"bus"`

	// EventsRegexFilter is the primary tag allowlist regex; events whose
	// tag doesn't match it (or one of EventsAdditional) are dropped
	// before they ever reach the parser pool.
	EventsRegexFilter string   `yaml:"events_regex_filter"`
	EventsAdditional  []string `yaml:"events_additional"`

	// ReadersSubprocesses is the number of parser-pool workers.
	ReadersSubprocesses int `yaml:"readers_subprocesses"`

	// JobTimeout is how long a dispatched job may go unanswered by a
	// minion before that minion is declared timed out for the job.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// JobTimeoutCheckInterval is how often the timeout sweep runs.
	JobTimeoutCheckInterval time.Duration `yaml:"job_timeout_check_interval"`
	// JobMetricsUpdateInterval is how often gauge metrics are recomputed
	// from the minion/job stores.
	JobMetricsUpdateInterval time.Duration `yaml:"job_metrics_update_interval"`
	// JobJidsCleanupInterval is how often the completed-jid cleanup sweep runs.
	JobJidsCleanupInterval time.Duration `yaml:"job_jids_cleanup_interval"`
	// JobCleanupAfter is how long a completed job is retained before
	// being evicted from the per-minion completed-jid sets.
	JobCleanupAfter time.Duration `yaml:"job_cleanup_after"`

	MergeRules MergeRules `yaml:"merge_rules"`

	// SetHighstateModsInMetrics is the fallback "mods" label value used
	// for a state job whose state_fun_args carries no explicit mods
	// (e.g. a bare state.highstate run).
	SetHighstateModsInMetrics string `yaml:"set_highstate_mods_in_metrics"`

	SLSRenameRules []RenameRule `yaml:"sls_rename_rules"`
	SIDRenameRules []RenameRule `yaml:"sid_rename_rules"`

	// HTTPAddr is the listen address for the /metrics and / endpoints.
	HTTPAddr string `yaml:"http_addr"`
	// SelfMetricsAddr is the listen address for the secondary
	// self-observability registry, when non-empty.
	SelfMetricsAddr string `yaml:"self_metrics_addr"`

	// MetricsPublishMinInterval/MaxInterval bound the publisher task:
	// it republishes as soon as the epoch changes, but never waits
	// longer than MaxInterval even with no changes.
	MetricsPublishMinInterval time.Duration `yaml:"metrics_publish_min_interval"`
	MetricsPublishMaxInterval time.Duration `yaml:"metrics_publish_max_interval"`
}

// Default returns a Config populated with the same defaults the original
// implementation shipped, translated into Go durations.
func Default() *Config {
	return &Config{
		Bus:                        "ws://127.0.0.1:4506/events",
		EventsRegexFilter:          `^salt/job/\d+/(new|ret/)`,
		EventsAdditional:           nil,
		ReadersSubprocesses:        3,
		JobTimeout:                 1200 * time.Second,
		JobTimeoutCheckInterval:    120 * time.Second,
		JobMetricsUpdateInterval:  3 * time.Second,
		JobJidsCleanupInterval:     30 * time.Second,
		JobCleanupAfter:            1200 * time.Second,
		MergeRules: MergeRules{
			SLS: MergeRuleConfig{StartMergingOn: 70},
			SID: MergeRuleConfig{StartMergingOn: 150},
		},
		HTTPAddr:                  ":8216",
		SelfMetricsAddr:           ":9090",
		MetricsPublishMinInterval: 3 * time.Second,
		MetricsPublishMaxInterval: 110 * time.Second,
	}
}

// Load reads a YAML file at path, overlaying it on top of Default().
// A missing file is not an error: Saline runs fine on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
