package discussion

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// stubBackend answers from a canned execute func and captures every
// prompt it receives.
type stubBackend struct {
	kind    models.BackendKind
	execute func(ctx context.Context, req *models.Request) (*backends.Result, error)

	mu      sync.Mutex
	prompts []string
}

func (s *stubBackend) Execute(ctx context.Context, req *models.Request) (*backends.Result, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Message)
	s.mu.Unlock()
	return s.execute(ctx, req)
}

func (s *stubBackend) HealthCheck(ctx context.Context) bool { return true }
func (s *stubBackend) Shutdown(ctx context.Context) error   { return nil }
func (s *stubBackend) Kind() models.BackendKind             { return s.kind }

func (s *stubBackend) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// okStub always succeeds with a fixed response.
func okStub(response string) *stubBackend {
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			return &backends.Result{Success: true, Response: response}, nil
		},
	}
}

// seqStub succeeds with a response naming the call number, so round-2
// and round-3 prompts can be told apart by the content they inline.
func seqStub(name string) *stubBackend {
	var calls atomic.Int64
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			return &backends.Result{
				Success:  true,
				Response: fmt.Sprintf("%s round %d", name, calls.Add(1)),
			}, nil
		},
	}
}

// failStub always fails with a provider-reported error.
func failStub(errMsg string) *stubBackend {
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			return &backends.Result{Success: false, Error: errMsg}, nil
		},
	}
}

// blockStub waits until the call context ends.
func blockStub() *stubBackend {
	return &stubBackend{
		kind: models.BackendHTTP,
		execute: func(ctx context.Context, req *models.Request) (*backends.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

type stubSource map[string]backends.Backend

func (s stubSource) Get(name string) (backends.Backend, bool) {
	b, ok := s[name]
	return b, ok
}

func (s stubSource) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newDiscussionStore opens a store over a fresh SQLite database under
// the test's temp dir.
func newDiscussionStore(t *testing.T) *store.Store {
	t.Helper()

	client, err := database.NewClient(context.Background(), &config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "modelmux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return store.New(client)
}

type discussionHarness struct {
	executor *Executor
	store    *store.Store
	events   <-chan models.Event
}

func newDiscussionHarness(t *testing.T, source stubSource) *discussionHarness {
	t.Helper()

	st := newDiscussionStore(t)
	bus := events.NewBus()
	ch := bus.Subscribe("discussion-test", 256)
	t.Cleanup(func() { bus.Unsubscribe("discussion-test") })

	return &discussionHarness{
		executor: NewExecutor(st, source, bus),
		store:    st,
		events:   ch,
	}
}

// nextEvent drains the event channel until an event of the wanted type
// arrives.
func nextEvent(t *testing.T, ch <-chan models.Event, eventType string) models.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

// waitForMessageCount blocks until the session has the given number of
// message rows, pending placeholders included.
func waitForMessageCount(t *testing.T, h *discussionHarness, id string, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		messages, err := h.store.GetDiscussionMessages(context.Background(), id, nil)
		return err == nil && len(messages) == count
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartDiscussion(t *testing.T) {
	t.Run("filters unavailable providers", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{
			"kimi": okStub("ok"),
			"qwen": okStub("ok"),
		})

		session, err := h.executor.StartDiscussion(context.Background(),
			"How should we shard the store?", []string{"kimi", "qwen", "ghost"},
			models.DiscussionConfig{})
		require.NoError(t, err)
		assert.Equal(t, []string{"kimi", "qwen"}, session.Providers)
		assert.Equal(t, models.SessionPending, session.Status)

		stored, err := h.store.GetDiscussionSession(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionPending, stored.Status)
		assert.Equal(t, 0, stored.CurrentRound)

		ev := nextEvent(t, h.events, events.EventDiscussionStarted)
		assert.Equal(t, session.ID, ev.Data["session_id"])
		assert.Equal(t, "How should we shard the store?", ev.Data["topic"])
		assert.Equal(t, []string{"kimi", "qwen"}, ev.Data["providers"])
	})

	t.Run("insufficient providers", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{"kimi": okStub("ok")})

		_, err := h.executor.StartDiscussion(context.Background(),
			"topic", []string{"kimi", "ghost"}, models.DiscussionConfig{})
		require.ErrorIs(t, err, ErrInsufficientProviders)
		assert.ErrorContains(t, err, "need at least 2, got 1")
	})
}

func TestRunFullDiscussionHappyPath(t *testing.T) {
	kimi := seqStub("kimi")
	qwen := seqStub("qwen")
	deepseek := seqStub("deepseek")
	judge := okStub("consensus: shard by provider, cache reads")
	h := newDiscussionHarness(t, stubSource{
		"kimi": kimi, "qwen": qwen, "deepseek": deepseek, "judge": judge,
	})

	session, err := h.executor.StartDiscussion(context.Background(),
		"How should we shard the store?",
		[]string{"kimi", "qwen", "deepseek"},
		models.DiscussionConfig{SummaryProvider: "judge"})
	require.NoError(t, err)

	done, err := h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)
	assert.Equal(t, 3, done.CurrentRound)
	assert.Equal(t, "consensus: shard by provider, cache reads", done.Summary)
	require.NotNil(t, done.CompletedAt)

	messages, err := h.store.GetDiscussionMessages(context.Background(), session.ID, nil)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	for _, msg := range messages {
		assert.Equal(t, models.MessageCompleted, msg.Status, "message %s/%d", msg.Provider, msg.RoundNumber)
	}

	// The summary occupies round 0 and comes first in round order.
	assert.Equal(t, models.KindSummary, messages[0].Kind)
	assert.Equal(t, "judge", messages[0].Provider)
	assert.Equal(t, "consensus: shard by provider, cache reads", messages[0].Content)

	// Round 2 inlines the other proposals, never the provider's own.
	prompts := kimi.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0], "How should we shard the store?")
	assert.Contains(t, prompts[0], "Please provide your proposal:")
	assert.Contains(t, prompts[1], "Proposal from qwen:\nqwen round 1")
	assert.Contains(t, prompts[1], "Proposal from deepseek:\ndeepseek round 1")
	assert.NotContains(t, prompts[1], "kimi round 1")

	// Round 3 carries the provider's own proposal plus the others'
	// feedback.
	assert.Contains(t, prompts[2], "**Your Original Proposal**:\nkimi round 1")
	assert.Contains(t, prompts[2], "Feedback from qwen:\nqwen round 2")
	assert.NotContains(t, prompts[2], "kimi round 2")

	// The summary prompt sees the whole transcript grouped by round.
	judgePrompts := judge.Prompts()
	require.Len(t, judgePrompts, 1)
	assert.Contains(t, judgePrompts[0], "**Participants**: kimi, qwen, deepseek")
	assert.Contains(t, judgePrompts[0], "## Round 1: Initial Proposals")
	assert.Contains(t, judgePrompts[0], "kimi round 1")
	assert.Contains(t, judgePrompts[0], "## Round 3: Revised Proposals")
	assert.Contains(t, judgePrompts[0], "deepseek round 3")

	for round := 1; round <= 3; round++ {
		started := nextEvent(t, h.events, events.EventDiscussionRoundStarted)
		assert.Equal(t, round, started.Data["round"])

		completed := nextEvent(t, h.events, events.EventDiscussionRoundCompleted)
		assert.Equal(t, round, completed.Data["round"])
		assert.ElementsMatch(t, []string{"kimi", "qwen", "deepseek"},
			completed.Data["successful_providers"])
	}
	nextEvent(t, h.events, events.EventDiscussionSummarizing)
	summaryDone := nextEvent(t, h.events, events.EventDiscussionSummaryCompleted)
	assert.Equal(t, "judge", summaryDone.Data["summary_provider"])
	finished := nextEvent(t, h.events, events.EventDiscussionCompleted)
	assert.Equal(t, "completed", finished.Data["status"])
}

func TestRunFullDiscussionProviderCompletedEvent(t *testing.T) {
	h := newDiscussionHarness(t, stubSource{
		"kimi": okStub(strings.Repeat("x", 300)),
		"qwen": okStub("short answer"),
	})

	session, err := h.executor.StartDiscussion(context.Background(),
		"topic", []string{"kimi", "qwen"}, models.DiscussionConfig{})
	require.NoError(t, err)
	_, err = h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.NoError(t, err)

	// Find kimi's round-1 completion; the preview is capped at 200
	// characters while content_length reports the full size.
	for {
		ev := nextEvent(t, h.events, events.EventDiscussionProviderCompleted)
		if ev.Data["provider"] != "kimi" || ev.Data["round"] != 1 {
			continue
		}
		assert.Equal(t, true, ev.Data["success"])
		assert.Equal(t, 300, ev.Data["content_length"])
		preview, ok := ev.Data["content_preview"].(string)
		require.True(t, ok)
		assert.Equal(t, strings.Repeat("x", 200)+"...", preview)
		break
	}
}

func TestRunFullDiscussionPartialFailure(t *testing.T) {
	kimi := seqStub("kimi")
	deepseek := seqStub("deepseek")
	h := newDiscussionHarness(t, stubSource{
		"kimi":     kimi,
		"qwen":     failStub("boom: rate limited"),
		"deepseek": deepseek,
		"judge":    okStub("partial consensus"),
	})

	session, err := h.executor.StartDiscussion(context.Background(),
		"topic", []string{"kimi", "qwen", "deepseek"},
		models.DiscussionConfig{SummaryProvider: "judge"})
	require.NoError(t, err)

	done, err := h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)

	messages, err := h.store.GetDiscussionMessages(context.Background(), session.ID, nil)
	require.NoError(t, err)

	byRound := map[int][]*models.DiscussionMessage{}
	for _, msg := range messages {
		byRound[msg.RoundNumber] = append(byRound[msg.RoundNumber], msg)
	}
	// qwen fails rounds 1 and 2 and is skipped in round 3 because it
	// has no proposal to revise.
	require.Len(t, byRound[1], 3)
	require.Len(t, byRound[2], 3)
	require.Len(t, byRound[3], 2)
	require.Len(t, byRound[0], 1)

	for _, msg := range append(byRound[1], byRound[2]...) {
		if msg.Provider == "qwen" {
			assert.Equal(t, models.MessageFailed, msg.Status)
			assert.Equal(t, "boom: rate limited", msg.Metadata["error"])
		} else {
			assert.Equal(t, models.MessageCompleted, msg.Status)
		}
	}
	for _, msg := range byRound[3] {
		assert.NotEqual(t, "qwen", msg.Provider)
	}

	// Failed proposals never reach the other providers' review
	// prompts.
	prompts := kimi.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], "Proposal from deepseek")
	assert.NotContains(t, prompts[1], "Proposal from qwen")

	round1 := nextEvent(t, h.events, events.EventDiscussionRoundCompleted)
	assert.ElementsMatch(t, []string{"kimi", "deepseek"}, round1.Data["successful_providers"])

	for {
		ev := nextEvent(t, h.events, events.EventDiscussionProviderCompleted)
		if ev.Data["provider"] != "qwen" {
			continue
		}
		assert.Equal(t, false, ev.Data["success"])
		assert.Equal(t, "boom: rate limited", ev.Data["error"])
		break
	}
}

func TestRunFullDiscussionProviderTimeout(t *testing.T) {
	h := newDiscussionHarness(t, stubSource{
		"kimi":  seqStub("kimi"),
		"qwen":  blockStub(),
		"judge": okStub("summary without qwen"),
	})

	session, err := h.executor.StartDiscussion(context.Background(),
		"topic", []string{"kimi", "qwen"},
		models.DiscussionConfig{ProviderTimeoutS: 0.2, SummaryProvider: "judge"})
	require.NoError(t, err)

	done, err := h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)

	round1 := 1
	messages, err := h.store.GetDiscussionMessages(context.Background(), session.ID, &round1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	for _, msg := range messages {
		if msg.Provider == "qwen" {
			assert.Equal(t, models.MessageTimeout, msg.Status)
			assert.Greater(t, msg.LatencyMS, 0.0)
		}
	}

	for {
		ev := nextEvent(t, h.events, events.EventDiscussionProviderCompleted)
		if ev.Data["provider"] != "qwen" {
			continue
		}
		assert.Equal(t, false, ev.Data["success"])
		assert.Equal(t, "timeout", ev.Data["error"])
		break
	}
}

func TestRunFullDiscussionSummaryFailure(t *testing.T) {
	h := newDiscussionHarness(t, stubSource{
		"kimi":  okStub("proposal"),
		"qwen":  okStub("counter-proposal"),
		"judge": failStub("summary exploded"),
	})

	session, err := h.executor.StartDiscussion(context.Background(),
		"topic", []string{"kimi", "qwen"},
		models.DiscussionConfig{SummaryProvider: "judge"})
	require.NoError(t, err)

	_, err = h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.ErrorContains(t, err, "summary generation failed: summary exploded")

	stored, err := h.store.GetDiscussionSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, stored.Status)
	assert.Contains(t, stored.Metadata["error"], "summary exploded")
	require.NotNil(t, stored.CompletedAt)

	ev := nextEvent(t, h.events, events.EventDiscussionFailed)
	assert.Equal(t, session.ID, ev.Data["session_id"])
	assert.Contains(t, ev.Data["error"], "summary exploded")
}

func TestRunFullDiscussionSummaryProviderFallback(t *testing.T) {
	h := newDiscussionHarness(t, stubSource{
		"kimi": okStub("proposal"),
		"qwen": okStub("counter-proposal"),
	})

	// The configured summary provider has no backend, so the first
	// session provider takes over.
	session, err := h.executor.StartDiscussion(context.Background(),
		"topic", []string{"kimi", "qwen"},
		models.DiscussionConfig{SummaryProvider: "ghost"})
	require.NoError(t, err)

	done, err := h.executor.RunFullDiscussion(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "proposal", done.Summary)

	ev := nextEvent(t, h.events, events.EventDiscussionSummaryCompleted)
	assert.Equal(t, "kimi", ev.Data["summary_provider"])
}

func TestRunFullDiscussionMissingSession(t *testing.T) {
	h := newDiscussionHarness(t, stubSource{})
	_, err := h.executor.RunFullDiscussion(context.Background(), "no-such-session")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelDiscussion(t *testing.T) {
	t.Run("pending session", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{
			"kimi": okStub("ok"),
			"qwen": okStub("ok"),
		})
		session, err := h.executor.StartDiscussion(context.Background(),
			"topic", []string{"kimi", "qwen"}, models.DiscussionConfig{})
		require.NoError(t, err)

		require.NoError(t, h.executor.CancelDiscussion(context.Background(), session.ID))

		stored, err := h.store.GetDiscussionSession(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionCancelled, stored.Status)

		ev := nextEvent(t, h.events, events.EventDiscussionCancelled)
		assert.Equal(t, session.ID, ev.Data["session_id"])
	})

	t.Run("cuts in-flight provider calls", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{
			"kimi": blockStub(),
			"qwen": blockStub(),
		})
		session, err := h.executor.StartDiscussion(context.Background(),
			"topic", []string{"kimi", "qwen"}, models.DiscussionConfig{})
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, runErr := h.executor.RunFullDiscussion(context.Background(), session.ID)
			errCh <- runErr
		}()
		waitForMessageCount(t, h, session.ID, 2)

		require.NoError(t, h.executor.CancelDiscussion(context.Background(), session.ID))

		select {
		case runErr := <-errCh:
			require.ErrorIs(t, runErr, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after cancellation")
		}

		stored, err := h.store.GetDiscussionSession(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionCancelled, stored.Status)

		// Interrupted calls leave their placeholders pending; nothing
		// is written after the cancel.
		messages, err := h.store.GetDiscussionMessages(context.Background(), session.ID, nil)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		for _, msg := range messages {
			assert.Equal(t, models.MessagePending, msg.Status)
		}
	})

	t.Run("terminal session", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{
			"kimi": okStub("ok"),
			"qwen": okStub("ok"),
		})
		session, err := h.executor.StartDiscussion(context.Background(),
			"topic", []string{"kimi", "qwen"}, models.DiscussionConfig{})
		require.NoError(t, err)
		_, err = h.executor.RunFullDiscussion(context.Background(), session.ID)
		require.NoError(t, err)

		err = h.executor.CancelDiscussion(context.Background(), session.ID)
		require.ErrorIs(t, err, ErrNotCancellable)
	})

	t.Run("missing session", func(t *testing.T) {
		h := newDiscussionHarness(t, stubSource{})
		err := h.executor.CancelDiscussion(context.Background(), "no-such-session")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
