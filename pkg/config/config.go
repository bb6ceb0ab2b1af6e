package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Detection DetectionConfig `mapstructure:"detection"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Signature SignatureConfig `mapstructure:"signature"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Events    EventsConfig    `mapstructure:"events"`

	// Detectors holds per-detector settings decoded by each detector's own
	// constructor.
	Detectors map[string]map[string]interface{} `mapstructure:"detectors"`

	Policies []PolicyConfig `mapstructure:"policies"`
}

// PolicyConfig declares one named policy's detector allow-lists.
type PolicyConfig struct {
	Name                    string        `mapstructure:"name"`
	FastDetectors           []string      `mapstructure:"fast_detectors"`
	SlowDetectors           []string      `mapstructure:"slow_detectors"`
	AIDetectors             []string      `mapstructure:"ai_detectors"`
	BypassTriggerConditions bool          `mapstructure:"bypass_trigger_conditions"`
	PipelineTimeout         time.Duration `mapstructure:"pipeline_timeout"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`

	// Enforce makes the middleware return 403 on blocked verdicts instead of
	// only annotating headers.
	Enforce bool `mapstructure:"enforce"`

	// Policy names the policy requests are evaluated under.
	Policy string `mapstructure:"policy"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DetectionConfig struct {
	MaxWaves          int           `mapstructure:"max_waves"`
	GlobalConcurrency int           `mapstructure:"global_concurrency"`
	WaveConcurrency   map[int]int   `mapstructure:"wave_concurrency"`
	DisableParallel   bool          `mapstructure:"disable_parallel"`
	PipelineTimeout   time.Duration `mapstructure:"pipeline_timeout"`

	ProbabilityFloor float64 `mapstructure:"probability_floor"`
	ProbabilityCeil  float64 `mapstructure:"probability_ceil"`

	// CoverageWeights maps detector families to their share of the coverage
	// confidence denominator.
	CoverageWeights map[string]float64 `mapstructure:"coverage_weights"`

	// LowConfidenceCutoff gates the risk-band tables: below it the verdict is
	// classified by probability alone into Unknown/Medium.
	LowConfidenceCutoff float64 `mapstructure:"low_confidence_cutoff"`

	// Band tables are policy tuning, not contract: AI-confirmed verdicts use
	// the tighter table since they are better calibrated.
	BandsPreAI  BandTable `mapstructure:"bands_pre_ai"`
	BandsPostAI BandTable `mapstructure:"bands_post_ai"`
}

// BandTable holds the upper probability bound of each risk band; anything
// above High is VeryHigh.
type BandTable struct {
	VeryLow float64 `mapstructure:"very_low"`
	Low     float64 `mapstructure:"low"`
	Medium  float64 `mapstructure:"medium"`
	High    float64 `mapstructure:"high"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type SignatureConfig struct {
	WindowMaxRequests int           `mapstructure:"window_max_requests"`
	WindowTTL         time.Duration `mapstructure:"window_ttl"`
	MinSampleCount    int           `mapstructure:"min_sample_count"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	AberrationThreshold float64 `mapstructure:"aberration_threshold"`
	EntropyThreshold    float64 `mapstructure:"entropy_threshold"`
	CVThreshold         float64 `mapstructure:"cv_threshold"`
	IntervalThreshold   float64 `mapstructure:"interval_threshold"`
	ProbabilityCutoff   float64 `mapstructure:"probability_cutoff"`

	EntropyWeight     float64 `mapstructure:"entropy_weight"`
	RegularityWeight  float64 `mapstructure:"regularity_weight"`
	FrequencyWeight   float64 `mapstructure:"frequency_weight"`
	ProbabilityWeight float64 `mapstructure:"probability_weight"`

	FamilyEvalInterval     time.Duration `mapstructure:"family_eval_interval"`
	FamilyWindowProximity  time.Duration `mapstructure:"family_window_proximity"`
	FamilyMinConfidence    float64       `mapstructure:"family_min_confidence"`
	FamilyProbabilityFloor float64       `mapstructure:"family_probability_floor"`
}

type MatcherConfig struct {
	IPWeight     float64       `mapstructure:"ip_weight"`
	UAWeight     float64       `mapstructure:"ua_weight"`
	SubnetWeight float64       `mapstructure:"subnet_weight"`
	StrongMin    float64       `mapstructure:"strong_min"`
	WeakMin      float64       `mapstructure:"weak_min"`
	RecordTTL    time.Duration `mapstructure:"record_ttl"`
}

type SamplingConfig struct {
	HighConfidenceBadRate float64 `mapstructure:"high_confidence_bad_rate"`
	LowRiskBaseRate       float64 `mapstructure:"low_risk_base_rate"`
	AmbiguousLow          float64 `mapstructure:"ambiguous_low"`
	AmbiguousHigh         float64 `mapstructure:"ambiguous_high"`
	LowConfidenceCutoff   float64 `mapstructure:"low_confidence_cutoff"`
}

type EventsConfig struct {
	Channel  string `mapstructure:"channel"`
	QueueKey string `mapstructure:"queue_key"`
	QueueCap int64  `mapstructure:"queue_cap"`
}

var globalConfig Config

func Load(configPath string) error {
	err := loadConfigFile(configPath, "config", &globalConfig)
	// Defaults apply either way: a missing config file still has to yield a
	// runnable configuration.
	setDefaultValues()
	if err != nil {
		return fmt.Errorf("could not load main config file: %w", err)
	}
	return nil
}

func loadConfigFile(configPath, fileName string, out interface{}) error {
	viper.SetConfigName(fileName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("config file %s.yaml not found, using only environment variables", fileName)
		}
		return fmt.Errorf("error reading config file %s.yaml: %w", fileName, err)
	}

	if err := viper.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", fileName, err)
	}

	return nil
}

func setDefaultValues() {
	applyServerDefaults(&globalConfig.Server)
	applyPolicyDefaults(&globalConfig.Policies)
	applyDetectionDefaults(&globalConfig.Detection)
	applyBreakerDefaults(&globalConfig.Breaker)
	applySignatureDefaults(&globalConfig.Signature)
	applyMatcherDefaults(&globalConfig.Matcher)
	applySamplingDefaults(&globalConfig.Sampling)
	applyEventsDefaults(&globalConfig.Events)
}

func applyServerDefaults(c *ServerConfig) {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.MetricsPort <= 0 {
		c.MetricsPort = 9090
	}
	if c.Policy == "" {
		c.Policy = "default"
	}
}

func applyPolicyDefaults(policies *[]PolicyConfig) {
	if len(*policies) > 0 {
		return
	}
	*policies = []PolicyConfig{{
		Name:          "default",
		FastDetectors: []string{"user_agent", "headers"},
		SlowDetectors: []string{"ip_reputation"},
		AIDetectors:   []string{"ai_scorer"},
	}}
}

func applyDetectionDefaults(c *DetectionConfig) {
	if c.MaxWaves <= 0 {
		c.MaxWaves = 10
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 2 * time.Second
	}
	if c.ProbabilityFloor <= 0 {
		c.ProbabilityFloor = 0.05
	}
	if c.ProbabilityCeil <= 0 {
		c.ProbabilityCeil = 0.80
	}
	if len(c.CoverageWeights) == 0 {
		c.CoverageWeights = map[string]float64{
			"user_agent":  1.0,
			"headers":     1.0,
			"network":     1.5,
			"behavior":    1.5,
			"fingerprint": 1.0,
			"ai":          2.0,
		}
	}
	if c.LowConfidenceCutoff <= 0 {
		c.LowConfidenceCutoff = 0.3
	}
	if c.BandsPreAI == (BandTable{}) {
		c.BandsPreAI = BandTable{VeryLow: 0.2, Low: 0.4, Medium: 0.6, High: 0.8}
	}
	if c.BandsPostAI == (BandTable{}) {
		c.BandsPostAI = BandTable{VeryLow: 0.1, Low: 0.3, Medium: 0.55, High: 0.75}
	}
}

func applyBreakerDefaults(c *BreakerConfig) {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

func applySignatureDefaults(c *SignatureConfig) {
	if c.WindowMaxRequests <= 0 {
		c.WindowMaxRequests = 50
	}
	if c.WindowTTL <= 0 {
		c.WindowTTL = 10 * time.Minute
	}
	if c.MinSampleCount <= 0 {
		c.MinSampleCount = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.AberrationThreshold <= 0 {
		c.AberrationThreshold = 0.6
	}
	if c.EntropyThreshold <= 0 {
		c.EntropyThreshold = 3.0
	}
	if c.CVThreshold <= 0 {
		c.CVThreshold = 0.15
	}
	if c.IntervalThreshold <= 0 {
		c.IntervalThreshold = 2.0
	}
	if c.ProbabilityCutoff <= 0 {
		c.ProbabilityCutoff = 0.6
	}
	if c.EntropyWeight <= 0 {
		c.EntropyWeight = 0.3
	}
	if c.RegularityWeight <= 0 {
		c.RegularityWeight = 0.3
	}
	if c.FrequencyWeight <= 0 {
		c.FrequencyWeight = 0.2
	}
	if c.ProbabilityWeight <= 0 {
		c.ProbabilityWeight = 0.2
	}
	if c.FamilyEvalInterval <= 0 {
		c.FamilyEvalInterval = 5 * time.Minute
	}
	if c.FamilyWindowProximity <= 0 {
		c.FamilyWindowProximity = 30 * time.Second
	}
	if c.FamilyMinConfidence <= 0 {
		c.FamilyMinConfidence = 0.5
	}
	if c.FamilyProbabilityFloor <= 0 {
		c.FamilyProbabilityFloor = 0.7
	}
}

func applyMatcherDefaults(c *MatcherConfig) {
	if c.IPWeight <= 0 {
		c.IPWeight = 0.4
	}
	if c.UAWeight <= 0 {
		c.UAWeight = 0.3
	}
	if c.SubnetWeight <= 0 {
		c.SubnetWeight = 0.2
	}
	if c.StrongMin <= 0 {
		c.StrongMin = 0.6
	}
	if c.WeakMin <= 0 {
		c.WeakMin = 0.5
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 15 * time.Minute
	}
}

func applySamplingDefaults(c *SamplingConfig) {
	if c.HighConfidenceBadRate <= 0 {
		c.HighConfidenceBadRate = 0.05
	}
	if c.LowRiskBaseRate <= 0 {
		c.LowRiskBaseRate = 0.01
	}
	if c.AmbiguousLow <= 0 {
		c.AmbiguousLow = 0.35
	}
	if c.AmbiguousHigh <= 0 {
		c.AmbiguousHigh = 0.65
	}
	if c.LowConfidenceCutoff <= 0 {
		c.LowConfidenceCutoff = 0.3
	}
}

func applyEventsDefaults(c *EventsConfig) {
	if c.Channel == "" {
		c.Channel = "stylobot:learning"
	}
	if c.QueueKey == "" {
		c.QueueKey = "stylobot:ai_queue"
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 10000
	}
}

func GetConfig() *Config {
	return &globalConfig
}

// NewDefaultConfig returns a config populated with defaults only, used by
// tests and by components constructed without a loaded file.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyServerDefaults(&cfg.Server)
	applyPolicyDefaults(&cfg.Policies)
	applyDetectionDefaults(&cfg.Detection)
	applyBreakerDefaults(&cfg.Breaker)
	applySignatureDefaults(&cfg.Signature)
	applyMatcherDefaults(&cfg.Matcher)
	applySamplingDefaults(&cfg.Sampling)
	applyEventsDefaults(&cfg.Events)
	return cfg
}
