package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the explicit configuration passed into component constructors.
// There is no global settings object; whoever builds a component hands it
// the section it needs.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log      Log      `yaml:"log"`
	Import   Import   `yaml:"import"`
	Dedup    Dedup    `yaml:"dedup"`
	Dispatch Dispatch `yaml:"dispatch"`
	Search   Search   `yaml:"search"`
	Blob     Blob     `yaml:"blob"`
	Bus      Bus      `yaml:"bus"`
	Repair   Repair   `yaml:"repair"`
}

// Log configures the zerolog sink
type Log struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Import configures the import pipeline
type Import struct {
	// MaxRetries bounds batch retries on classified transient errors
	MaxRetries int `yaml:"max_retries"`
}

// Dedup configures the deduplication engine thresholds
type Dedup struct {
	CandidateLimit          int     `yaml:"candidate_limit"`
	MaxAuthorTokens         int     `yaml:"max_author_tokens"`
	CollaborationAuthorMax  int     `yaml:"collaboration_author_max"`
	ESHighScoreThreshold    float64 `yaml:"es_high_score_threshold"`
	ESMinScoreThreshold     float64 `yaml:"es_min_score_threshold"`
	HighScoreMinJaccard     float64 `yaml:"high_score_min_jaccard"`
	JaccardThreshold        float64 `yaml:"jaccard_threshold"`
	DOISafetyMinTitleTokens int     `yaml:"doi_safety_min_title_tokens"`
	ShortTitleMaxTokens     int     `yaml:"short_title_max_tokens"`
	ShortTitleMinESScore    float64 `yaml:"short_title_min_es_score"`
	ShortTitleMinJaccard    float64 `yaml:"short_title_min_jaccard"`
	// ScoreScale maps the search store's similarity scores onto the
	// threshold scale above (thresholds assume ~0-100+ scoring)
	ScoreScale float64 `yaml:"score_scale"`
}

// Dispatch configures the enhancement dispatch engine
type Dispatch struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxRetryDepth  int           `yaml:"max_retry_depth"`
	DefaultLease   time.Duration `yaml:"default_lease"`
	MinLease       time.Duration `yaml:"min_lease"`
	MaxLease       time.Duration `yaml:"max_lease"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	NotifyInterval time.Duration `yaml:"notify_interval"`
	RobotTimeout   time.Duration `yaml:"robot_timeout"`
}

// Search configures the user-facing search surface
type Search struct {
	DefaultFields   []string `yaml:"default_fields"`
	PageSize        int      `yaml:"page_size"`
	MaxResultWindow int      `yaml:"max_result_window"`
}

// Blob configures the blob store gateway
type Blob struct {
	SigningKey string        `yaml:"signing_key"`
	URLTTL     time.Duration `yaml:"url_ttl"`
}

// Bus configures the message bus
type Bus struct {
	LockDuration time.Duration `yaml:"lock_duration"`
	Concurrency  int           `yaml:"concurrency"`
}

// Repair configures the reconcile worker
type Repair struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration with every tunable at its default
func Default() *Config {
	return &Config{
		DataDir: "data",
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Import: Import{
			MaxRetries: 3,
		},
		Dedup: Dedup{
			CandidateLimit:          10,
			MaxAuthorTokens:         5,
			CollaborationAuthorMax:  50,
			ESHighScoreThreshold:    100,
			ESMinScoreThreshold:     50,
			HighScoreMinJaccard:     0.3,
			JaccardThreshold:        0.6,
			DOISafetyMinTitleTokens: 3,
			ShortTitleMaxTokens:     2,
			ShortTitleMinESScore:    20,
			ShortTitleMinJaccard:    0.99,
			ScoreScale:              1,
		},
		Dispatch: Dispatch{
			MaxBatchSize:   100,
			MaxRetryDepth:  3,
			DefaultLease:   10 * time.Minute,
			MinLease:       time.Minute,
			MaxLease:       2 * time.Hour,
			SweepInterval:  30 * time.Second,
			NotifyInterval: 30 * time.Second,
			RobotTimeout:   30 * time.Second,
		},
		Search: Search{
			DefaultFields:   []string{"title", "abstract", "authors"},
			PageSize:        100,
			MaxResultWindow: 10000,
		},
		Blob: Blob{
			// development default; deployments set their own key
			SigningKey: "destiny-dev-signing-key",
			URLTTL:     time.Hour,
		},
		Bus: Bus{
			LockDuration: 5 * time.Minute,
			Concurrency:  4,
		},
		Repair: Repair{
			Interval: 10 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break invariants downstream
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Import.MaxRetries < 0 {
		return fmt.Errorf("import.max_retries must be >= 0")
	}
	if c.Dedup.CandidateLimit <= 0 {
		return fmt.Errorf("dedup.candidate_limit must be > 0")
	}
	if c.Dedup.ScoreScale <= 0 {
		return fmt.Errorf("dedup.score_scale must be > 0")
	}
	if c.Dispatch.MaxBatchSize <= 0 {
		return fmt.Errorf("dispatch.max_batch_size must be > 0")
	}
	if c.Dispatch.MinLease > c.Dispatch.MaxLease {
		return fmt.Errorf("dispatch.min_lease exceeds dispatch.max_lease")
	}
	if c.Search.MaxResultWindow <= 0 {
		return fmt.Errorf("search.max_result_window must be > 0")
	}
	if c.Bus.Concurrency <= 0 {
		return fmt.Errorf("bus.concurrency must be > 0")
	}
	return nil
}
