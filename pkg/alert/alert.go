// Package alert announces newly cached titles to chat and webhook endpoints.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/elonfeng/filmcache/internal/store"
)

// maxListed caps how many titles a chat message lists.
const maxListed = 5

// Notification is the data sent to alert destinations.
type Notification struct {
	Source string       `json:"source"`
	Title  string       `json:"title"`
	Body   string       `json:"body"`
	Items  []store.Item `json:"items"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NewTitles builds the notification for items first seen while syncing source.
func NewTitles(source string, items []store.Item) *Notification {
	noun := "titles"
	if len(items) == 1 {
		noun = "title"
	}
	return &Notification{
		Source: source,
		Title:  fmt.Sprintf("%d new %s in %s", len(items), noun, source),
		Body:   "Added to the local catalog cache.",
		Items:  items,
	}
}

func listed(items []store.Item) []store.Item {
	if len(items) > maxListed {
		return items[:maxListed]
	}
	return items
}

func describe(it store.Item) string {
	s := it.Title
	if it.Year != "" {
		s += " (" + it.Year + ")"
	}
	if it.Rating != "" {
		s += " ★ " + it.Rating
	}
	return s
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// post sends a JSON body and treats any non-2xx status as failure.
func post(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
