// Package config loads the uploader configuration from a config file, a
// .env file, the environment and command-line flags, in increasing order of
// precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/builder"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/fetch"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/provenance"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/synth"
)

const (
	EnvPrefix = "UPLOADER"

	ResolverGit    = "git"
	ResolverGitHub = "github"

	DefaultPrimaryRepo  = "http://github.com/meilisearch/meilisearch"
	DefaultFallbackRepo = "http://github.com/meilisearch/milli"
)

type SynthesisConfig struct {
	Policy string `mapstructure:"policy"`
	Count  int    `mapstructure:"count"`
}

type ServeConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	ObjectStoreURL string          `mapstructure:"object_store_url"`
	RebenchDBURL   string          `mapstructure:"rebenchdb_url"`
	Project        string          `mapstructure:"project"`
	PrimaryRepo    string          `mapstructure:"primary_repo"`
	FallbackRepos  []string        `mapstructure:"fallback_repos"`
	UseFallback    bool            `mapstructure:"use_fallback"`
	CacheDir       string          `mapstructure:"cache_dir"`
	Resolver       string          `mapstructure:"resolver"`
	GitHubAPIURL   string          `mapstructure:"github_api_url"`
	GitHubToken    string          `mapstructure:"github_token"`
	Workers        int             `mapstructure:"workers"`
	Synthesis      SynthesisConfig `mapstructure:"synthesis"`
	Unit           string          `mapstructure:"unit"`
	// EnvFile is the environment descriptor; empty uses the packaged one.
	EnvFile       string        `mapstructure:"env_file"`
	ListFile      string        `mapstructure:"list_file"`
	LedgerPath    string        `mapstructure:"ledger_path"`
	SkipDelivered bool          `mapstructure:"skip_delivered"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	Serve         ServeConfig   `mapstructure:"serve"`
	Watch         bool          `mapstructure:"watch"`
	// SlackWebhookURL receives a summary after every run when set.
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	SlackChannel    string `mapstructure:"slack_channel"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
}

// New returns a viper instance with every key defaulted and bound to its
// UPLOADER_ environment variable.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("object_store_url", fetch.DefaultBaseURL)
	v.SetDefault("rebenchdb_url", sink.DefaultBaseURL)
	v.SetDefault("project", builder.DefaultProject)
	v.SetDefault("primary_repo", DefaultPrimaryRepo)
	v.SetDefault("fallback_repos", []string{DefaultFallbackRepo})
	v.SetDefault("use_fallback", true)
	v.SetDefault("cache_dir", filepath.Join(os.TempDir(), "rebenchdb-repos"))
	v.SetDefault("resolver", ResolverGit)
	v.SetDefault("github_api_url", provenance.DefaultGitHubAPI)
	v.SetDefault("github_token", "")
	v.SetDefault("workers", pipeline.DefaultWorkers)
	v.SetDefault("synthesis.policy", synth.ThreePoint.String())
	v.SetDefault("synthesis.count", 1)
	v.SetDefault("unit", builder.UnitNanoseconds)
	v.SetDefault("env_file", "")
	v.SetDefault("list_file", "")
	v.SetDefault("ledger_path", "")
	v.SetDefault("skip_delivered", false)
	v.SetDefault("http_timeout", 60*time.Second)
	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.jwt_secret", "")
	v.SetDefault("watch", false)
	v.SetDefault("slack_webhook_url", "")
	v.SetDefault("slack_channel", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the .env file if any, then configFile (or ./config.yaml when
// configFile is empty; a missing default file is not an error), and returns
// the validated configuration.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// Silently ignore a missing .env file.
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	} else {
		log.Debugf("Using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Workers < 1 {
		result = multierror.Append(result, errors.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if _, err := c.SynthesisPolicy(); err != nil {
		result = multierror.Append(result, err)
	}
	if !builder.ValidUnit(c.Unit) {
		result = multierror.Append(result, errors.Errorf("unit must be %q or %q, got %q", builder.UnitNanoseconds, builder.UnitMilliseconds, c.Unit))
	}
	if c.Resolver != ResolverGit && c.Resolver != ResolverGitHub {
		result = multierror.Append(result, errors.Errorf("resolver must be %q or %q, got %q", ResolverGit, ResolverGitHub, c.Resolver))
	}
	if c.Resolver == ResolverGit && c.CacheDir == "" {
		result = multierror.Append(result, errors.New("cache_dir is required by the git resolver"))
	}
	if c.PrimaryRepo == "" {
		result = multierror.Append(result, errors.New("primary_repo is required"))
	}
	if c.HTTPTimeout < 0 {
		result = multierror.Append(result, errors.Errorf("http_timeout must not be negative, got %s", c.HTTPTimeout))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		result = multierror.Append(result, errors.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// SynthesisPolicy parses the synthesis section.
func (c *Config) SynthesisPolicy() (synth.Policy, error) {
	kind, err := synth.ParseKind(c.Synthesis.Policy)
	if err != nil {
		return synth.Policy{}, err
	}
	policy := synth.Policy{Kind: kind, Count: c.Synthesis.Count}
	return policy, policy.Validate()
}

// PipelineOptions converts the configuration into driver options.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	policy, err := c.SynthesisPolicy()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		UseFallbackRepo: c.UseFallback,
		Project:         c.Project,
		Synthesis:       policy,
		Unit:            c.Unit,
		Workers:         c.Workers,
		SkipDelivered:   c.SkipDelivered,
	}, nil
}
