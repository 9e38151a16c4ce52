// Package discussion orchestrates multi-round collaborative sessions.
// Every participating provider proposes in round 1, reviews the other
// proposals in round 2, and revises its own in round 3; one provider
// then synthesizes the transcript into a summary. Rounds run their
// providers in parallel and tolerate per-provider failures; only a
// summary failure or a store error ends the session as failed.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrInsufficientProviders is returned when fewer providers than
	// the configured minimum have a live backend.
	ErrInsufficientProviders = errors.New("not enough available providers")

	// ErrNotCancellable is returned when cancelling a session that
	// already reached a terminal state.
	ErrNotCancellable = errors.New("discussion is not cancellable")

	// ErrNotContinuable is returned when continuing from a session
	// that did not complete.
	ErrNotContinuable = errors.New("discussion is not continuable")
)

// contentPreviewLimit bounds the response excerpt carried on
// provider-completed events.
const contentPreviewLimit = 200

// BackendSource resolves provider names to live backends.
type BackendSource interface {
	Get(name string) (backends.Backend, bool)
	Names() []string
}

// Executor drives discussion sessions through the fixed three-round
// state machine. One Executor serves all sessions; each running
// session holds a cancel func so CancelDiscussion can cut in-flight
// provider calls.
type Executor struct {
	store    *store.Store
	backends BackendSource
	bus      *events.Bus
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewExecutor creates a discussion executor over the given store and
// backend registry.
func NewExecutor(st *store.Store, source BackendSource, bus *events.Bus) *Executor {
	return &Executor{
		store:    st,
		backends: source,
		bus:      bus,
		logger:   slog.Default(),
		active:   make(map[string]context.CancelFunc),
	}
}

// StartDiscussion persists a new pending session after dropping
// providers without a live backend. The discussion itself runs via
// RunFullDiscussion.
func (e *Executor) StartDiscussion(ctx context.Context, topic string, providers []string, cfg models.DiscussionConfig) (*models.DiscussionSession, error) {
	cfg = cfg.Normalize()

	available := make([]string, 0, len(providers))
	for _, name := range providers {
		if _, ok := e.backends.Get(name); ok {
			available = append(available, name)
		}
	}
	if len(available) < cfg.MinProviders {
		return nil, fmt.Errorf("%w: need at least %d, got %d",
			ErrInsufficientProviders, cfg.MinProviders, len(available))
	}

	session := models.NewDiscussionSession(topic, available, cfg)
	if err := e.store.CreateDiscussionSession(ctx, session); err != nil {
		return nil, err
	}

	e.publish(events.EventDiscussionStarted, map[string]any{
		"session_id": session.ID,
		"topic":      topic,
		"providers":  available,
	})
	e.logger.Info("Discussion started",
		"session_id", session.ID,
		"providers", available)

	return session, nil
}

// RunFullDiscussion drives a session through all three rounds and the
// summary, returning the finished session. Per-provider failures stay
// contained inside their round; an error that escapes a round or the
// summary marks the session failed.
func (e *Executor) RunFullDiscussion(ctx context.Context, sessionID string) (*models.DiscussionSession, error) {
	return e.run(ctx, sessionID, "")
}

// run executes the round machine. A non-empty topicOverride replaces
// the session topic for prompt building only; the stored topic is
// untouched.
func (e *Executor) run(ctx context.Context, sessionID, topicOverride string) (*models.DiscussionSession, error) {
	session, err := e.store.GetDiscussionSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	topic := session.Topic
	if topicOverride != "" {
		topic = topicOverride
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerRun(sessionID, cancel)
	defer e.unregisterRun(sessionID)

	rounds := []struct {
		number int
		kind   models.MessageKind
	}{
		{1, models.KindProposal},
		{2, models.KindReview},
		{3, models.KindRevision},
	}
	for _, round := range rounds {
		if _, err := e.executeRound(runCtx, session, topic, round.number, round.kind); err != nil {
			return nil, e.failSession(session, err)
		}
	}

	if _, err := e.generateSummary(runCtx, session, topic); err != nil {
		return nil, e.failSession(session, err)
	}

	completed := models.SessionCompleted
	if err := e.store.UpdateDiscussionSession(ctx, sessionID, store.SessionUpdate{Status: &completed}); err != nil {
		return nil, e.failSession(session, err)
	}

	e.publish(events.EventDiscussionCompleted, map[string]any{
		"session_id": sessionID,
		"status":     string(models.SessionCompleted),
	})
	e.logger.Info("Discussion completed", "session_id", sessionID)

	return e.store.GetDiscussionSession(ctx, sessionID)
}

// CancelDiscussion cancels a non-terminal session and cuts any
// in-flight provider calls. Returns ErrNotCancellable when the
// session already finished.
func (e *Executor) CancelDiscussion(ctx context.Context, sessionID string) error {
	cancelled, err := e.store.CancelDiscussionSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !cancelled {
		session, err := e.store.GetDiscussionSession(ctx, sessionID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session %s is %s", ErrNotCancellable, sessionID, session.Status)
	}

	e.mu.Lock()
	cancelRun, running := e.active[sessionID]
	e.mu.Unlock()
	if running {
		cancelRun()
	}

	e.publish(events.EventDiscussionCancelled, map[string]any{
		"session_id": sessionID,
	})
	e.logger.Info("Discussion cancelled", "session_id", sessionID)
	return nil
}

// roundTarget pairs a pending placeholder message with its prompt.
type roundTarget struct {
	message *models.DiscussionMessage
	prompt  string
}

// executeRound runs one round for every eligible provider in parallel
// and returns the messages that completed. One provider's failure
// never aborts its siblings; the round finishes with whatever subset
// succeeded.
func (e *Executor) executeRound(ctx context.Context, session *models.DiscussionSession, topic string, round int, kind models.MessageKind) ([]*models.DiscussionMessage, error) {
	status := models.RoundStatus(round)
	if err := e.store.UpdateDiscussionSession(ctx, session.ID, store.SessionUpdate{
		Status:       &status,
		CurrentRound: &round,
	}); err != nil {
		return nil, err
	}

	e.publish(events.EventDiscussionRoundStarted, map[string]any{
		"session_id":   session.ID,
		"round":        round,
		"message_type": string(kind),
	})

	all, err := e.store.GetDiscussionMessages(ctx, session.ID, nil)
	if err != nil {
		return nil, err
	}
	proposals := completedInRound(all, 1)
	reviews := completedInRound(all, 2)

	targets := make([]roundTarget, 0, len(session.Providers))
	for _, provider := range session.Providers {
		var prompt string
		switch round {
		case 1:
			prompt = buildProposalPrompt(topic)
		case 2:
			prompt = buildReviewPrompt(topic, excludeProvider(proposals, provider))
		default:
			original := ownMessage(proposals, provider)
			if original == nil {
				// No surviving proposal to revise.
				continue
			}
			prompt = buildRevisionPrompt(topic, original, excludeProvider(reviews, provider))
		}

		msg := models.NewDiscussionMessage(session.ID, round, provider, kind)
		if err := e.store.CreateDiscussionMessage(ctx, msg); err != nil {
			return nil, err
		}
		targets = append(targets, roundTarget{message: msg, prompt: prompt})
	}

	outcomes := make([]*models.DiscussionMessage, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target roundTarget) {
			defer wg.Done()
			msg, err := e.executeProvider(ctx, session, target.message, target.prompt)
			if err != nil {
				// Contained. The failure is already on the message row.
				return
			}
			outcomes[i] = msg
		}(i, target)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	succeeded := make([]*models.DiscussionMessage, 0, len(targets))
	successful := make([]string, 0, len(targets))
	for _, msg := range outcomes {
		if msg != nil {
			succeeded = append(succeeded, msg)
			successful = append(successful, msg.Provider)
		}
	}

	e.publish(events.EventDiscussionRoundCompleted, map[string]any{
		"session_id":           session.ID,
		"round":                round,
		"successful_providers": successful,
	})
	e.logger.Info("Discussion round completed",
		"session_id", session.ID,
		"round", round,
		"succeeded", len(succeeded),
		"providers", len(targets))

	return succeeded, nil
}

// executeProvider runs one provider call and records the outcome on
// its placeholder message. The returned error reports the failure to
// the round; it never reaches sibling providers.
func (e *Executor) executeProvider(ctx context.Context, session *models.DiscussionSession, msg *models.DiscussionMessage, prompt string) (*models.DiscussionMessage, error) {
	logger := e.logger.With(
		"session_id", session.ID,
		"provider", msg.Provider,
		"round", msg.RoundNumber)

	backend, ok := e.backends.Get(msg.Provider)
	if !ok {
		failed := models.MessageFailed
		e.updateMessage(msg.ID, store.MessageUpdate{
			Status:   &failed,
			Metadata: map[string]any{"error": "Backend not found: " + msg.Provider},
		})
		return nil, fmt.Errorf("backend not found: %s", msg.Provider)
	}

	e.publish(events.EventDiscussionProviderStarted, map[string]any{
		"session_id":   session.ID,
		"message_id":   msg.ID,
		"provider":     msg.Provider,
		"round":        msg.RoundNumber,
		"message_type": string(msg.Kind),
	})

	req := models.NewRequest(msg.Provider, prompt, models.DefaultPriority, session.Config.ProviderTimeoutS)
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(session.Config.ProviderTimeoutS*float64(time.Second)))
	defer cancel()

	start := time.Now()
	result, execErr := backend.Execute(callCtx, req)
	latencyMS := float64(time.Since(start).Microseconds()) / 1000.0

	switch {
	case errors.Is(execErr, context.Canceled) || ctx.Err() == context.Canceled:
		// Session cancelled mid-call. The message stays pending; the
		// session status tells the story.
		return nil, context.Canceled

	case errors.Is(execErr, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded:
		timeout := models.MessageTimeout
		e.updateMessage(msg.ID, store.MessageUpdate{
			Status:    &timeout,
			LatencyMS: &latencyMS,
		})
		e.publishProviderResult(session, msg, latencyMS, false, "timeout", "")
		logger.Warn("Discussion provider timed out", "latency_ms", latencyMS)
		return nil, fmt.Errorf("provider %s timed out", msg.Provider)

	case execErr != nil:
		failed := models.MessageFailed
		e.updateMessage(msg.ID, store.MessageUpdate{
			Status:    &failed,
			LatencyMS: &latencyMS,
			Metadata:  map[string]any{"error": execErr.Error()},
		})
		e.publishProviderResult(session, msg, latencyMS, false, execErr.Error(), "")
		logger.Warn("Discussion provider errored", "error", execErr)
		return nil, execErr

	case result == nil || !result.Success:
		errMsg := "backend returned no result"
		if result != nil {
			errMsg = result.Error
		}
		failed := models.MessageFailed
		e.updateMessage(msg.ID, store.MessageUpdate{
			Status:    &failed,
			LatencyMS: &latencyMS,
			Metadata:  map[string]any{"error": errMsg},
		})
		e.publishProviderResult(session, msg, latencyMS, false, errMsg, "")
		logger.Warn("Discussion provider failed", "error", errMsg)
		return nil, fmt.Errorf("provider %s failed: %s", msg.Provider, errMsg)
	}

	completed := models.MessageCompleted
	if err := e.store.UpdateDiscussionMessage(context.Background(), msg.ID, store.MessageUpdate{
		Content:   &result.Response,
		Status:    &completed,
		LatencyMS: &latencyMS,
	}); err != nil {
		return nil, err
	}
	msg.Content = result.Response
	msg.Status = completed
	msg.LatencyMS = latencyMS

	e.publishProviderResult(session, msg, latencyMS, true, "", result.Response)
	logger.Info("Discussion provider completed",
		"latency_ms", latencyMS,
		"content_length", len(result.Response))

	return msg, nil
}

// generateSummary synthesizes the transcript through a single
// provider: the configured summary provider when it has a backend,
// otherwise the first session provider. Summary failure is fatal for
// the session.
func (e *Executor) generateSummary(ctx context.Context, session *models.DiscussionSession, topic string) (string, error) {
	status := models.SessionSummarizing
	if err := e.store.UpdateDiscussionSession(ctx, session.ID, store.SessionUpdate{Status: &status}); err != nil {
		return "", err
	}

	e.publish(events.EventDiscussionSummarizing, map[string]any{
		"session_id": session.ID,
	})

	all, err := e.store.GetDiscussionMessages(ctx, session.ID, nil)
	if err != nil {
		return "", err
	}
	prompt := buildSummaryPrompt(topic, session.Providers, all)

	provider := session.Config.SummaryProvider
	if provider != "" {
		if _, ok := e.backends.Get(provider); !ok {
			provider = ""
		}
	}
	if provider == "" {
		provider = session.Providers[0]
	}
	backend, ok := e.backends.Get(provider)
	if !ok {
		return "", fmt.Errorf("no backend available for summary provider %s", provider)
	}

	// The summary reads the whole transcript, so it gets double the
	// per-provider budget.
	timeoutS := session.Config.ProviderTimeoutS * 2
	req := models.NewRequest(provider, prompt, models.DefaultPriority, timeoutS)
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS*float64(time.Second)))
	defer cancel()

	result, execErr := backend.Execute(callCtx, req)
	if execErr != nil {
		return "", fmt.Errorf("summary generation failed: %w", execErr)
	}
	if !result.Success {
		return "", fmt.Errorf("summary generation failed: %s", result.Error)
	}

	if err := e.store.UpdateDiscussionSession(ctx, session.ID, store.SessionUpdate{Summary: &result.Response}); err != nil {
		return "", err
	}

	msg := models.NewDiscussionMessage(session.ID, 0, provider, models.KindSummary)
	msg.Content = result.Response
	msg.Status = models.MessageCompleted
	if err := e.store.CreateDiscussionMessage(ctx, msg); err != nil {
		return "", err
	}

	e.publish(events.EventDiscussionSummaryCompleted, map[string]any{
		"session_id":       session.ID,
		"summary_provider": provider,
	})
	e.logger.Info("Discussion summary generated",
		"session_id", session.ID,
		"summary_provider", provider)

	return result.Response, nil
}

// failSession records a fatal error on the session, preserving
// existing metadata. When a concurrent cancel already won the race to
// a terminal state, the failure is discarded and the cancel stands.
func (e *Executor) failSession(session *models.DiscussionSession, cause error) error {
	meta := make(map[string]any, len(session.Metadata)+1)
	for k, v := range session.Metadata {
		meta[k] = v
	}
	meta["error"] = cause.Error()

	failed := models.SessionFailed
	err := e.store.UpdateDiscussionSession(context.Background(), session.ID, store.SessionUpdate{
		Status:   &failed,
		Metadata: meta,
	})
	switch {
	case err == nil:
		e.publish(events.EventDiscussionFailed, map[string]any{
			"session_id": session.ID,
			"error":      cause.Error(),
		})
		e.logger.Error("Discussion failed", "session_id", session.ID, "error", cause)
	case errors.Is(err, store.ErrTerminalState):
		e.logger.Info("Discussion already terminal, discarding failure",
			"session_id", session.ID, "error", cause)
	default:
		e.logger.Error("Failed to mark discussion failed",
			"session_id", session.ID, "error", err)
	}
	return cause
}

func (e *Executor) publishProviderResult(session *models.DiscussionSession, msg *models.DiscussionMessage, latencyMS float64, success bool, errMsg, content string) {
	data := map[string]any{
		"session_id":   session.ID,
		"message_id":   msg.ID,
		"provider":     msg.Provider,
		"round":        msg.RoundNumber,
		"message_type": string(msg.Kind),
		"latency_ms":   latencyMS,
		"success":      success,
	}
	if success {
		data["content_preview"] = ellipsize(content, contentPreviewLimit)
		data["content_length"] = len(content)
	} else {
		data["error"] = errMsg
	}
	e.publish(events.EventDiscussionProviderCompleted, data)
}

// updateMessage writes a message outcome, detached from the run
// context so the write lands even when the run is already cancelled.
func (e *Executor) updateMessage(id string, upd store.MessageUpdate) {
	if err := e.store.UpdateDiscussionMessage(context.Background(), id, upd); err != nil {
		e.logger.Warn("Failed to update discussion message", "message_id", id, "error", err)
	}
}

func (e *Executor) publish(eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(models.NewEvent(eventType, data))
}

func (e *Executor) registerRun(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[sessionID] = cancel
}

func (e *Executor) unregisterRun(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, sessionID)
}

// excludeProvider filters out a provider's own messages.
func excludeProvider(messages []*models.DiscussionMessage, provider string) []*models.DiscussionMessage {
	out := make([]*models.DiscussionMessage, 0, len(messages))
	for _, m := range messages {
		if m.Provider != provider {
			out = append(out, m)
		}
	}
	return out
}

// ownMessage returns the provider's message from the slice, or nil.
func ownMessage(messages []*models.DiscussionMessage, provider string) *models.DiscussionMessage {
	for _, m := range messages {
		if m.Provider == provider {
			return m
		}
	}
	return nil
}
