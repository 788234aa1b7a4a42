package cmd

import (
	"context"
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/config"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/logging"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
)

// packagedList is read in bulk mode when no list file is configured.
//
//go:embed benchmarks
var packagedList string

type flagBinding struct {
	key  string
	flag string
}

var persistentBindings = []flagBinding{
	{"object_store_url", "object-store-url"},
	{"rebenchdb_url", "rebenchdb-url"},
	{"project", "project"},
	{"primary_repo", "primary-repo"},
	{"fallback_repos", "fallback-repo"},
	{"use_fallback", "use-fallback"},
	{"cache_dir", "cache-dir"},
	{"resolver", "resolver"},
	{"github_token", "github-token"},
	{"workers", "workers"},
	{"synthesis.policy", "synthesis"},
	{"synthesis.count", "synthesis-count"},
	{"unit", "unit"},
	{"env_file", "env-file"},
	{"list_file", "list"},
	{"ledger_path", "ledger"},
	{"skip_delivered", "skip-delivered"},
	{"http_timeout", "http-timeout"},
	{"log_level", "log-level"},
	{"log_format", "log-format"},
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings []flagBinding) error {
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, flags.Lookup(b.flag)); err != nil {
			return errors.Wrapf(err, "binding --%s", b.flag)
		}
	}
	return nil
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	v := config.New()
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "upload-milli-benchmark [filename]",
		Short: "Upload milli critcmp benchmark reports to ReBenchDB",
		Long: `Fetches critcmp reports from the benchmark bucket, resolves the commit they
were measured on and submits them to ReBenchDB.

With a filename, only that report is uploaded and any failure exits non-zero.
Without one, every report of the list file (or of the packaged list) is
uploaded. A failing report is logged and does not stop the others; the exit
status is non-zero only when ReBenchDB rejected a submission.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err = config.Load(v, configFile)
			if err != nil {
				return err
			}
			logging.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newUploader(cfg)
			if err != nil {
				return err
			}
			defer u.Close()

			if len(args) == 1 {
				return runSingle(cmd.Context(), u, args[0])
			}
			return runBulk(cmd.Context(), u)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default ./config.yaml)")
	flags.String("object-store-url", "", "base URL of the critcmp results bucket")
	flags.String("rebenchdb-url", "", "base URL of the ReBenchDB server")
	flags.String("project", "", "ReBenchDB project name")
	flags.String("primary-repo", "", "repository searched first for the benchmarked commit")
	flags.StringSlice("fallback-repo", nil, "repositories searched, in order, when the commit is not in the primary one")
	flags.Bool("use-fallback", true, "search the fallback repositories")
	flags.String("cache-dir", "", "directory holding the repository mirrors")
	flags.String("resolver", "", "provenance resolver: git or github")
	flags.String("github-token", "", "token for the github resolver")
	flags.Int("workers", 0, "number of reports processed concurrently")
	flags.String("synthesis", "", "point synthesis policy: three-point or n-point")
	flags.Int("synthesis-count", 0, "point count of the n-point policy")
	flags.String("unit", "", "unit label of the measures: ns or ms")
	flags.String("env-file", "", "environment descriptor (JSON or YAML); empty uses the packaged one")
	flags.String("list", "", "file listing one report filename per line")
	flags.String("ledger", "", "SQLite ledger path; empty disables the ledger")
	flags.Bool("skip-delivered", false, "skip reports the ledger marks as delivered")
	flags.Duration("http-timeout", 0, "timeout of object store and ReBenchDB requests")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")

	if err := bindFlags(v, flags, persistentBindings); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		serveCmd(v, func() *config.Config { return cfg }),
		followCmd(),
		versionCmd(),
	)
	return cmd
}

func runSingle(ctx context.Context, u *uploader, filename string) error {
	err := u.driver.Process(ctx, filename)
	if err == nil {
		return nil
	}
	log.WithFields(log.Fields{"filename": filename, "kind": pipeline.Classify(err)}).Errorf("%v on %s", err, filename)
	return errors.Wrapf(err, "uploading %s", filename)
}

func runBulk(ctx context.Context, u *uploader) error {
	filenames, err := loadList(u.cfg.ListFile)
	if err != nil {
		return err
	}
	if len(filenames) == 0 {
		log.Warn("No report listed, nothing to upload")
		return nil
	}
	if err := u.sink.Ping(ctx); err != nil {
		return err
	}

	summary := u.run(ctx, "", filenames, nil)
	if summary.SinkFailed > 0 {
		return errors.Wrapf(sink.ErrSink, "%d of %d submissions rejected", summary.SinkFailed, summary.Total())
	}
	return nil
}

func loadList(path string) ([]string, error) {
	if path == "" {
		return pipeline.ReadList(strings.NewReader(packagedList))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening list")
	}
	defer f.Close()
	return pipeline.ReadList(f)
}
