package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/handlers"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
)

func followCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "follow RUN_ID",
		Short: "Print the outcome of each report of a run triggered on a server",
		Long: `Connects to the run stream of a serve command and prints one line per report
as it finishes, then the summary. The exit status is non-zero when ReBenchDB
rejected a submission of the run.`,
		Args: cobra.ExactArgs(1),
		// No configuration needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return follow(cmd.Context(), cmd.OutOrStdout(), server, args[0])
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the serve command")
	return cmd
}

func streamURL(server, runID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Wrapf(err, "parsing server URL %q", server)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ingest/runs/" + url.PathEscape(runID) + "/stream"
	return u.String(), nil
}

func follow(ctx context.Context, out io.Writer, server, runID string) error {
	endpoint, err := streamURL(server, runID)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return errors.Errorf("run %s not found on %s", runID, server)
		}
		return errors.Wrapf(err, "connecting to %s", endpoint)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var event handlers.StreamEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "stream ended before the summary")
		}

		switch {
		case event.Type == handlers.EventItem && event.Item != nil:
			line := fmt.Sprintf("%-11s %s", event.Item.Outcome, event.Item.Filename)
			if event.Item.Error != "" {
				line += ": " + event.Item.Error
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		case event.Type == handlers.EventSummary && event.Summary != nil:
			s := event.Summary
			if _, err := fmt.Fprintf(out, "%d delivered, %d failed, %d sink failures, %d skipped\n",
				s.Delivered, s.Failed, s.SinkFailed, s.Skipped); err != nil {
				return err
			}
			if s.SinkFailed > 0 {
				return errors.Wrapf(sink.ErrSink, "%d of %d submissions rejected", s.SinkFailed, s.Total())
			}
			return nil
		}
	}
}
