// Package alert delivers anomaly notifications to chat and webhook
// destinations.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	SourceID   string            `json:"source_id"`
	AnomalyID  string            `json:"anomaly_id"`
	Type       store.AnomalyType `json:"type"`
	RatingIDs  []string          `json:"rating_ids"`
	DetectedAt time.Time         `json:"detected_at"`
}

// FromAnomaly builds the notification for a newly detected anomaly.
func FromAnomaly(a store.Anomaly) *Notification {
	return &Notification{
		Title:      fmt.Sprintf("%s anomaly on %s", a.Type, a.SourceID),
		Body:       fmt.Sprintf("%d ratings excluded from the score pending review", len(a.RatingIDs)),
		SourceID:   a.SourceID,
		AnomalyID:  a.ID,
		Type:       a.Type,
		RatingIDs:  a.RatingIDs,
		DetectedAt: a.DetectedAt,
	}
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// StatusError is returned when a destination answers with a non-2xx status.
type StatusError struct {
	Destination string
	Code        int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d", e.Destination, e.Code)
}

// retryable reports whether a later attempt may succeed.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Manager broadcasts notifications to all registered notifiers, retrying
// transient failures.
type Manager struct {
	notifiers  []Notifier
	maxRetries uint64
	newBackOff func() backoff.BackOff
	log        *zap.Logger
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		notifiers:  notifiers,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        log.With(zap.String("component", "alert")),
	}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// AnomalyDetected broadcasts the anomaly to every destination.
func (m *Manager) AnomalyDetected(ctx context.Context, a store.Anomaly) error {
	if !m.HasNotifiers() {
		return nil
	}
	return m.Broadcast(ctx, FromAnomaly(a))
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := m.send(ctx, notifier, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) send(ctx context.Context, notifier Notifier, n *Notification) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), m.maxRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := notifier.Send(ctx, n)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		m.log.Warn("alert delivery failed, retrying",
			zap.String("notifier", notifier.Name()),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// postJSON posts payload to url and fails on any non-2xx answer.
func postJSON(ctx context.Context, client *http.Client, destination, url string, payload any, header http.Header) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", destination, err)
	}
	return postBody(ctx, client, destination, url, body, header)
}

func postBody(ctx context.Context, client *http.Client, destination, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", destination, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sourcerep/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Destination: destination, Code: resp.StatusCode}
	}
	return nil
}
