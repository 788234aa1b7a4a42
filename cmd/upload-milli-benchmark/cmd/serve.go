package cmd

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/handlers"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/config"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/watch"
)

func serveCmd(v *viper.Viper, loaded func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve ingestion status, metrics and triggers over HTTP",
		Long: `Starts an HTTP server exposing /health, /metrics, the ledger status and an
ingestion trigger. With --watch, reports appended to the list file are
uploaded as they appear.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), loaded())
		},
	}

	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().Bool("watch", false, "upload reports appended to the list file")
	if err := bindFlags(v, cmd.Flags(), []flagBinding{
		{"serve.addr", "addr"},
		{"watch", "watch"},
	}); err != nil {
		panic(err)
	}
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if cfg.Watch && cfg.ListFile == "" {
		return errors.New("--watch needs a list file")
	}

	u, err := newUploader(cfg)
	if err != nil {
		return err
	}
	defer u.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var ledger handlers.LedgerReader
	if u.ledger != nil {
		ledger = u.ledger
	}
	ingest := handlers.NewIngestHandlers(ctx, u.run, ledger)
	server := api.NewServer(api.Config{
		Addr:      cfg.Serve.Addr,
		JWTSecret: cfg.Serve.JWTSecret,
	}, ingest, u.metrics.Registry())

	var watcher *watch.ListWatcher
	if cfg.Watch {
		watcher = watch.NewListWatcher(cfg.ListFile, func(filenames []string) {
			startWatched(ingest, filenames)
		})
		initial, err := watcher.Start()
		if err != nil {
			return err
		}
		defer watcher.Stop()
		if len(initial) > 0 {
			startWatched(ingest, initial)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
		log.Info("Shutting down...")
		if watcher != nil {
			watcher.Stop()
		}
		cancel()
		return server.Shutdown()
	}
}

func startWatched(ingest *handlers.IngestHandlers, filenames []string) {
	if _, err := ingest.Start(filenames, "watch"); err != nil {
		log.WithError(err).Warnf("Dropping %d newly listed reports", len(filenames))
	}
}
