package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/handlers"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
)

// streamServer replays events on the stream of run "run-1".
func streamServer(t *testing.T, events ...handlers.StreamEvent) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ingest/runs/run-1/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for _, event := range events {
			if !assert.NoError(t, conn.WriteJSON(event)) {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFollow(t *testing.T) {
	server := streamServer(t,
		handlers.StreamEvent{Type: handlers.EventItem, Item: &pipeline.ItemResult{
			Filename: reportName, Outcome: pipeline.ItemDelivered,
		}},
		handlers.StreamEvent{Type: handlers.EventItem, Item: &pipeline.ItemResult{
			Filename: "indexing_main_7ce9e08a.json", Outcome: pipeline.ItemFailed,
			Kind: pipeline.KindFetch, Error: "object store returned 404",
		}},
		handlers.StreamEvent{Type: handlers.EventSummary, Summary: &pipeline.Summary{Delivered: 1, Failed: 1}},
	)

	out, err := execute("follow", "--server", server, "run-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"delivered   " + reportName,
		"failed      indexing_main_7ce9e08a.json: object store returned 404",
		"1 delivered, 1 failed, 0 sink failures, 0 skipped",
	}, lines)
}

func TestFollow_Failures(t *testing.T) {
	t.Run("sink failures", func(t *testing.T) {
		server := streamServer(t,
			handlers.StreamEvent{Type: handlers.EventSummary, Summary: &pipeline.Summary{SinkFailed: 2}},
		)
		_, err := execute("follow", "--server", server, "run-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, sink.ErrSink))
	})

	t.Run("unknown run", func(t *testing.T) {
		server := streamServer(t)
		_, err := execute("follow", "--server", server, "run-2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run run-2 not found")
	})

	t.Run("stream cut", func(t *testing.T) {
		server := streamServer(t, handlers.StreamEvent{Type: handlers.EventItem, Item: &pipeline.ItemResult{
			Filename: reportName, Outcome: pipeline.ItemDelivered,
		}})
		_, err := execute("follow", "--server", server, "run-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stream ended before the summary")
	})
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
		fails  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/ingest/runs/r1/stream", false},
		{"https://bench.example.com/uploader/", "wss://bench.example.com/uploader/api/ingest/runs/r1/stream", false},
		{"ws://127.0.0.1:9000", "ws://127.0.0.1:9000/api/ingest/runs/r1/stream", false},
		{"ftp://localhost", "", true},
		{"://nope", "", true},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.server, "r1")
		if tt.fails {
			assert.Error(t, err, tt.server)
			continue
		}
		require.NoError(t, err, tt.server)
		assert.Equal(t, tt.want, got)
	}
}
