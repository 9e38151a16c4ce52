// Package slack posts gateway notifications to a Slack channel.
//
// The notifier consumes the event bus: terminal request failures are
// posted directly, discussions get a start message and a terminal
// reply threaded under it. Delivery is fail-open; a Slack outage never
// touches request processing.
package slack

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
)

const (
	subscriberID = "slack"

	// maxTrackedThreads bounds the session -> thread map; a dropped
	// terminal event must not leak entries forever.
	maxTrackedThreads = 256
)

type threadInfo struct {
	ts    string
	topic string
}

// Notifier delivers Slack notifications for bus events.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	client *Client
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	threads map[string]threadInfo

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier from config. Returns nil when
// notifications are disabled or the token env var is unset.
func NewNotifier(cfg *config.SlackConfig, bus *events.Bus) *Notifier {
	if cfg == nil || !cfg.Enabled || cfg.Channel == "" {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("Slack notifications enabled but token env is empty", "env", cfg.TokenEnv)
		return nil
	}
	return newNotifier(NewClient(token, cfg.Channel), bus)
}

// NewNotifierWithClient creates a Notifier backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewNotifierWithClient(client *Client, bus *events.Bus) *Notifier {
	return newNotifier(client, bus)
}

func newNotifier(client *Client, bus *events.Bus) *Notifier {
	return &Notifier{
		client:  client,
		bus:     bus,
		logger:  slog.Default().With("component", "slack-notifier"),
		threads: make(map[string]threadInfo),
	}
}

// Start subscribes to the bus and begins delivering notifications.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil || n.cancel != nil {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	ch := n.bus.Subscribe(subscriberID, 256)
	go n.consume(ctx, ch)

	n.logger.Info("Slack notifier started")
}

// Stop detaches the notifier from the bus and waits for the consumer
// to exit.
func (n *Notifier) Stop() {
	if n == nil || n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.bus.Unsubscribe(subscriberID)
	n.logger.Info("Slack notifier stopped")
}

func (n *Notifier) consume(ctx context.Context, ch <-chan models.Event) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev models.Event) {
	switch ev.Type {
	case events.EventRequestFailed:
		n.notifyRequestFailed(ctx, ev)
	case events.EventDiscussionStarted:
		n.notifyDiscussionStarted(ctx, ev)
	case events.EventDiscussionCompleted, events.EventDiscussionFailed, events.EventDiscussionCancelled:
		n.notifyDiscussionTerminal(ctx, ev)
	}
}

func (n *Notifier) notifyRequestFailed(ctx context.Context, ev models.Event) {
	requestID, _ := ev.Data["request_id"].(string)
	provider, _ := ev.Data["provider"].(string)
	status, _ := ev.Data["status"].(string)
	errMsg, _ := ev.Data["error"].(string)

	blocks := BuildRequestFailedMessage(requestID, provider, status, errMsg)
	if _, err := n.client.PostMessage(ctx, blocks, "", 5*time.Second); err != nil {
		n.logger.Error("Failed to send Slack failure notification",
			"request_id", requestID,
			"error", err)
	}
}

func (n *Notifier) notifyDiscussionStarted(ctx context.Context, ev models.Event) {
	sessionID, _ := ev.Data["session_id"].(string)
	topic, _ := ev.Data["topic"].(string)
	providers, _ := ev.Data["providers"].([]string)

	blocks := BuildDiscussionStartedMessage(sessionID, topic, providers)
	ts, err := n.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		n.logger.Error("Failed to send Slack discussion notification",
			"session_id", sessionID,
			"error", err)
		return
	}

	n.mu.Lock()
	if len(n.threads) < maxTrackedThreads {
		n.threads[sessionID] = threadInfo{ts: ts, topic: topic}
	}
	n.mu.Unlock()
}

func (n *Notifier) notifyDiscussionTerminal(ctx context.Context, ev models.Event) {
	sessionID, _ := ev.Data["session_id"].(string)
	errMsg, _ := ev.Data["error"].(string)

	var status string
	switch ev.Type {
	case events.EventDiscussionCompleted:
		status = "completed"
	case events.EventDiscussionFailed:
		status = "failed"
	case events.EventDiscussionCancelled:
		status = "cancelled"
	}

	info := n.takeThread(sessionID)
	blocks := BuildDiscussionTerminalMessage(sessionID, status, info.topic, errMsg)
	if _, err := n.client.PostMessage(ctx, blocks, info.ts, 10*time.Second); err != nil {
		n.logger.Error("Failed to send Slack discussion notification",
			"session_id", sessionID,
			"status", status,
			"error", err)
	}
}

func (n *Notifier) takeThread(sessionID string) threadInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := n.threads[sessionID]
	delete(n.threads, sessionID)
	return info
}
