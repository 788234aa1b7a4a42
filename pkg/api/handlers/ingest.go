package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/api/middleware"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/store"
)

const recentLimit = 20

// ErrClosed is returned by Start once Close was called.
var ErrClosed = errors.New("ingestion is shutting down")

// Runner ingests filenames under runID and calls observe once per filename.
type Runner func(ctx context.Context, runID string, filenames []string, observe func(pipeline.ItemResult)) pipeline.Summary

// LedgerReader is the read side of the ingestion ledger. *store.Ledger
// implements it.
type LedgerReader interface {
	Stats(ctx context.Context) (map[store.Outcome]int, error)
	Recent(ctx context.Context, limit int) ([]store.Entry, error)
	HealthCheck(ctx context.Context) error
}

type RunState string

const (
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
)

// RunStatus tracks one triggered ingestion.
type RunStatus struct {
	ID          string            `json:"id"`
	State       RunState          `json:"state"`
	Filenames   int               `json:"filenames"`
	Processed   int               `json:"processed"`
	TriggeredBy string            `json:"triggeredBy,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
	Summary     *pipeline.Summary `json:"summary,omitempty"`
}

// StreamEvent is one message of a run stream: an item as each filename
// finishes, then the summary once the run is over.
type StreamEvent struct {
	Type    string               `json:"type"`
	Item    *pipeline.ItemResult `json:"item,omitempty"`
	Summary *pipeline.Summary    `json:"summary,omitempty"`
}

const (
	EventItem    = "item"
	EventSummary = "summary"
)

type runEntry struct {
	status RunStatus
	items  []pipeline.ItemResult

	// updated is closed and replaced whenever items or status change.
	updated chan struct{}
}

func (r *runEntry) changed() {
	close(r.updated)
	r.updated = make(chan struct{})
}

type triggerRequest struct {
	Filenames []string `json:"filenames"`
}

// IngestHandlers serves the ingestion endpoints.
type IngestHandlers struct {
	ctx    context.Context
	run    Runner
	ledger LedgerReader

	mu     sync.RWMutex
	runs   map[string]*runEntry
	closed bool
	wg     sync.WaitGroup
}

// NewIngestHandlers creates the handlers. Triggered runs inherit ctx, so
// canceling it stops them. ledger may be nil.
func NewIngestHandlers(ctx context.Context, run Runner, ledger LedgerReader) *IngestHandlers {
	return &IngestHandlers{
		ctx:    ctx,
		run:    run,
		ledger: ledger,
		runs:   make(map[string]*runEntry),
	}
}

// Health reports liveness and, when a ledger is configured, its health.
func (h *IngestHandlers) Health(c *fiber.Ctx) error {
	if h.ledger != nil {
		if err := h.ledger.HealthCheck(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Trigger starts an ingestion of the posted filenames and returns its id.
func (h *IngestHandlers) Trigger(c *fiber.Ctx) error {
	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	filenames := make([]string, 0, len(req.Filenames))
	for _, f := range req.Filenames {
		if f != "" {
			filenames = append(filenames, f)
		}
	}
	if len(filenames) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "filenames must not be empty")
	}

	id, err := h.Start(filenames, middleware.GetSubject(c))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":        id,
		"filenames": len(filenames),
	})
}

// Start runs an ingestion in the background and returns its id. It fails
// with ErrClosed once Close was called.
func (h *IngestHandlers) Start(filenames []string, triggeredBy string) (string, error) {
	r := &runEntry{
		status: RunStatus{
			ID:          uuid.New().String(),
			State:       RunRunning,
			Filenames:   len(filenames),
			TriggeredBy: triggeredBy,
			StartedAt:   time.Now(),
		},
		updated: make(chan struct{}),
	}
	id := r.status.ID

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrClosed
	}
	h.runs[id] = r
	h.wg.Add(1)
	h.mu.Unlock()

	log.WithFields(log.Fields{"run": id, "by": triggeredBy}).Infof("Ingesting %d reports", len(filenames))

	go func() {
		defer h.wg.Done()
		summary := h.run(h.ctx, id, filenames, func(item pipeline.ItemResult) {
			h.mu.Lock()
			defer h.mu.Unlock()
			r.items = append(r.items, item)
			r.status.Processed = len(r.items)
			r.changed()
		})
		finished := time.Now()

		h.mu.Lock()
		r.status.State = RunFinished
		r.status.FinishedAt = &finished
		r.status.Summary = &summary
		r.changed()
		h.mu.Unlock()
	}()
	return id, nil
}

// Wait blocks until every started run finished.
func (h *IngestHandlers) Wait() {
	h.wg.Wait()
}

// Close refuses new runs and waits for the started ones.
func (h *IngestHandlers) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

// GetRun returns the status of one triggered run.
func (h *IngestHandlers) GetRun(c *fiber.Ctx) error {
	h.mu.RLock()
	r, ok := h.runs[c.Params("id")]
	var snapshot RunStatus
	if ok {
		snapshot = r.status
	}
	h.mu.RUnlock()

	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	return c.JSON(snapshot)
}

// RequireRun answers 404 before a stream upgrade when the run is unknown.
func (h *IngestHandlers) RequireRun(c *fiber.Ctx) error {
	h.mu.RLock()
	_, ok := h.runs[c.Params("id")]
	h.mu.RUnlock()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	return c.Next()
}

// Stream pushes the outcome of each filename of a run over a websocket,
// replaying the ones already processed, then the summary, then closes.
func (h *IngestHandlers) Stream(conn *websocket.Conn) {
	id := conn.Params("id")
	logger := log.WithFields(log.Fields{"run": id, "remote": conn.RemoteAddr().String()})
	logger.Debug("Stream client connected")
	defer conn.Close()

	sent := 0
	for {
		h.mu.RLock()
		r, ok := h.runs[id]
		if !ok {
			h.mu.RUnlock()
			return
		}
		pending := append([]pipeline.ItemResult(nil), r.items[sent:]...)
		var summary *pipeline.Summary
		if r.status.State == RunFinished {
			summary = r.status.Summary
		}
		wake := r.updated
		h.mu.RUnlock()

		for i := range pending {
			if err := conn.WriteJSON(StreamEvent{Type: EventItem, Item: &pending[i]}); err != nil {
				logger.WithError(err).Debug("Stream client gone")
				return
			}
			sent++
		}
		if summary != nil {
			if err := conn.WriteJSON(StreamEvent{Type: EventSummary, Summary: summary}); err != nil {
				logger.WithError(err).Debug("Stream client gone")
			}
			return
		}

		select {
		case <-wake:
		case <-h.ctx.Done():
			return
		}
	}
}

// Status returns the ledger counts per outcome and the latest entries.
func (h *IngestHandlers) Status(c *fiber.Ctx) error {
	h.mu.RLock()
	running := 0
	for _, r := range h.runs {
		if r.status.State == RunRunning {
			running++
		}
	}
	h.mu.RUnlock()

	if h.ledger == nil {
		return c.JSON(fiber.Map{
			"ledger":  false,
			"running": running,
		})
	}

	stats, err := h.ledger.Stats(c.UserContext())
	if err != nil {
		log.WithError(err).Error("Could not read ledger stats")
		return fiber.NewError(fiber.StatusInternalServerError, "Could not read the ledger")
	}
	recent, err := h.ledger.Recent(c.UserContext(), recentLimit)
	if err != nil {
		log.WithError(err).Error("Could not read recent ledger entries")
		return fiber.NewError(fiber.StatusInternalServerError, "Could not read the ledger")
	}
	return c.JSON(fiber.Map{
		"ledger":  true,
		"running": running,
		"stats":   stats,
		"recent":  recent,
	})
}
