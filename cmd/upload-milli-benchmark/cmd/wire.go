package cmd

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/config"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/fetch"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/metrics"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/notifications"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/provenance"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/store"
)

const memoSize = 4096

// uploader holds everything a command needs to ingest reports.
type uploader struct {
	cfg      *config.Config
	driver   *pipeline.Driver
	sink     *sink.Client
	ledger   *store.Ledger
	metrics  *metrics.Metrics
	notifier *notifications.SlackNotifier
}

func newUploader(cfg *config.Config) (*uploader, error) {
	opts, err := cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}

	env, err := models.LoadEnvironment(cfg.EnvFile)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	chain := &provenance.Chain{
		Primary:   cfg.PrimaryRepo,
		Fallbacks: cfg.FallbackRepos,
		CacheRoot: cfg.CacheDir,
		Resolver:  provenance.Memoize(resolver, memoSize),
	}

	u := &uploader{
		cfg:     cfg,
		sink:    sink.NewClient(cfg.RebenchDBURL, cfg.HTTPTimeout),
		metrics: metrics.New(),
	}
	if cfg.SlackWebhookURL != "" {
		u.notifier = notifications.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel)
	}
	deps := pipeline.Deps{
		Fetcher: fetch.NewClient(cfg.ObjectStoreURL, cfg.HTTPTimeout),
		Chain:   chain,
		Sink:    u.sink,
		Env:     env,
		Metrics: u.metrics,
	}
	if cfg.LedgerPath != "" {
		u.ledger, err = store.Open(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		deps.Ledger = u.ledger
	} else if cfg.SkipDelivered {
		log.Warn("skip_delivered has no effect without a ledger_path")
	}

	u.driver, err = pipeline.NewDriver(opts, deps)
	if err != nil {
		u.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"repos":     strings.Join(chain.Repositories(), ","),
		"resolver":  cfg.Resolver,
		"synthesis": opts.Synthesis.String(),
		"unit":      opts.Unit,
		"workers":   opts.Workers,
	}).Debug("Uploader ready")
	return u, nil
}

func newResolver(cfg *config.Config) (provenance.Resolver, error) {
	switch cfg.Resolver {
	case config.ResolverGitHub:
		return provenance.NewGitHubResolver(cfg.GitHubAPIURL, cfg.GitHubToken, cfg.HTTPTimeout), nil
	case config.ResolverGit:
		if err := provenance.EnsureCacheRoot(cfg.CacheDir); err != nil {
			return nil, err
		}
		return provenance.NewGitResolver(), nil
	default:
		return nil, errors.Errorf("unknown resolver %q", cfg.Resolver)
	}
}

// run ingests filenames under runID, or a fresh id when runID is empty, and
// posts the summary when a notifier is configured. observe may be nil.
func (u *uploader) run(ctx context.Context, runID string, filenames []string, observe func(pipeline.ItemResult)) pipeline.Summary {
	if runID == "" {
		runID = uuid.New().String()
	}
	summary := u.driver.WithRunID(runID).WithObserver(observe).Run(ctx, filenames)
	if u.notifier != nil {
		if err := u.notifier.NotifySummary(context.WithoutCancel(ctx), runID, summary); err != nil {
			log.WithError(err).Warn("Could not post the run summary to Slack")
		}
	}
	return summary
}

func (u *uploader) Close() {
	if u.ledger == nil {
		return
	}
	if err := u.ledger.Close(); err != nil {
		log.WithError(err).Warn("Could not close the ledger")
	}
}
