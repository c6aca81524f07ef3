package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// ErrSyncUnavailable is the synchronous dispatch failure: the payload
// could not even be queued. Callers keep their unsynced count and retry
// on the next interval.
var ErrSyncUnavailable = errors.New("sync channel unavailable")

// HTTPSyncTransport implements domain.SyncTransport by POSTing full usage
// records to the remote durable store. Write only enqueues; delivery is
// fire-and-forget from the caller's point of view, with asynchronous
// failures logged and repaired by the next full-record write.
type HTTPSyncTransport struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	queue    chan domain.SyncPayload
	done     chan struct{}
}

// NewHTTPSyncTransport creates a transport and starts its delivery worker.
func NewHTTPSyncTransport(endpoint string, logger *zap.Logger) *HTTPSyncTransport {
	t := &HTTPSyncTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		queue:    make(chan domain.SyncPayload, 16),
		done:     make(chan struct{}),
	}
	go t.deliver()
	return t
}

// Write enqueues a payload. A full queue or closed transport fails
// synchronously so the caller's retry discipline kicks in.
func (t *HTTPSyncTransport) Write(_ context.Context, payload domain.SyncPayload) error {
	select {
	case <-t.done:
		return ErrSyncUnavailable
	default:
	}
	select {
	case t.queue <- payload:
		return nil
	default:
		return ErrSyncUnavailable
	}
}

func (t *HTTPSyncTransport) deliver() {
	for {
		select {
		case <-t.done:
			return
		case p := <-t.queue:
			if err := t.post(p); err != nil {
				// Asynchronous loss: bounded by one sync interval, the
				// next full-record write self-corrects.
				t.logger.Warn("durable write failed",
					zap.String("site", string(p.Site)),
					zap.Error(err))
			}
		}
	}
}

func (t *HTTPSyncTransport) post(p domain.SyncPayload) error {
	body, err := sonic.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote store returned %s", resp.Status)
	}
	return nil
}

// Close stops the delivery worker; further Writes fail synchronously.
func (t *HTTPSyncTransport) Close() {
	close(t.done)
}

var _ domain.SyncTransport = (*HTTPSyncTransport)(nil)

// NopSyncTransport discards payloads, for running without a configured
// sync endpoint.
type NopSyncTransport struct{}

func (NopSyncTransport) Write(context.Context, domain.SyncPayload) error { return nil }

var _ domain.SyncTransport = NopSyncTransport{}
