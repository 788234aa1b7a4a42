package handlers

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/store"
)

// recordingRunner delivers every filename, in order, and remembers what it
// was asked.
type recordingRunner struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (r *recordingRunner) Run(ctx context.Context, runID string, filenames []string, observe func(pipeline.ItemResult)) pipeline.Summary {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[string][]string{}
	}
	r.calls[runID] = filenames
	r.mu.Unlock()

	for _, f := range filenames {
		observe(pipeline.ItemResult{Filename: f, Outcome: pipeline.ItemDelivered})
	}
	return pipeline.Summary{Delivered: len(filenames), Kinds: map[string]int{}}
}

// gatedRunner delivers one filename each time release receives.
type gatedRunner struct {
	release chan struct{}
}

func (g *gatedRunner) Run(ctx context.Context, runID string, filenames []string, observe func(pipeline.ItemResult)) pipeline.Summary {
	for _, f := range filenames {
		select {
		case <-g.release:
		case <-ctx.Done():
			return pipeline.Summary{}
		}
		observe(pipeline.ItemResult{Filename: f, Outcome: pipeline.ItemDelivered})
	}
	return pipeline.Summary{Delivered: len(filenames), Kinds: map[string]int{}}
}

func (r *recordingRunner) Calls(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[runID]
}

type testEnv struct {
	App      *fiber.App
	Ledger   *store.Ledger
	Runner   *recordingRunner
	Handlers *IngestHandlers
}

// setupTestEnv creates a fresh Fiber app with ingest handlers backed by a
// temporary ledger.
func setupTestEnv(t *testing.T) *testEnv {
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	runner := &recordingRunner{}
	h := NewIngestHandlers(context.Background(), runner.Run, ledger)
	t.Cleanup(h.Close)

	return &testEnv{
		App:      fiber.New(),
		Ledger:   ledger,
		Runner:   runner,
		Handlers: h,
	}
}

// listen serves app on a loopback port and returns its address.
func listen(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return ln.Addr().String()
}
