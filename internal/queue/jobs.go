// Package queue hands stored uploads to background workers through asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

const (
	// ExtractDocumentTask is scheduled each time a PDF is stored.
	ExtractDocumentTask = "document:extract"
	// DefaultMaxRetry bounds worker retries of one task.
	DefaultMaxRetry = 5
)

// ExtractPayload tells the worker which stored object to read.
type ExtractPayload struct {
	StoredPath  string `json:"stored_path"`
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewExtractTask builds the task for payload.
func NewExtractTask(payload ExtractPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ExtractDocumentTask, data), nil
}

// EnqueueExtract enqueues a PDF extraction job.
func EnqueueExtract(ctx context.Context, client Enqueuer, payload ExtractPayload, opts ...asynq.Option) error {
	task, err := NewExtractTask(payload)
	if err != nil {
		return err
	}
	opts = append([]asynq.Option{asynq.MaxRetry(DefaultMaxRetry)}, opts...)
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue extract task: %w", err)
	}
	return nil
}

// Listener enqueues extraction for every stored PDF. Queue outages are
// logged; the upload itself has already succeeded.
type Listener struct {
	client Enqueuer
	queue  string
	logger logging.Logger
}

// NewListener creates a Listener. An empty queueName uses asynq's default queue.
func NewListener(client Enqueuer, queueName string, logger logging.Logger) *Listener {
	return &Listener{client: client, queue: queueName, logger: logging.OrNop(logger)}
}

// Subscribe registers the listener for after_upload.
func (l *Listener) Subscribe(d *events.Dispatcher) {
	d.AddListener(events.AfterUpload, l.Handle, 0)
}

// Handle is the after_upload listener.
func (l *Listener) Handle(ctx context.Context, ev *events.Event) error {
	if ev.File == nil || ev.File.Mime() != "application/pdf" {
		return nil
	}
	stored, _ := ev.Get("stored_path").(string)
	if stored == "" {
		return nil
	}
	payload := ExtractPayload{StoredPath: stored, Filename: ev.File.Name()}
	if h, err := ev.File.ContentHash(); err == nil {
		payload.ContentHash = h
	}
	var opts []asynq.Option
	if l.queue != "" {
		opts = append(opts, asynq.Queue(l.queue))
	}
	if err := EnqueueExtract(ctx, l.client, payload, opts...); err != nil {
		l.logger.Log(logging.LevelError, "enqueue extraction failed", "path", stored, "error", err)
		return nil
	}
	l.logger.Log(logging.LevelDebug, "extraction enqueued", "path", stored)
	return nil
}
