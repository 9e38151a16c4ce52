package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/models"
)

func TestStore_CreateRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("creates queued request", func(t *testing.T) {
		req := models.NewRequest("kimi", "hello", 75, 30)
		req.Metadata = map[string]any{"source": "test"}

		require.NoError(t, s.CreateRequest(ctx, req))

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, "kimi", got.Provider)
		assert.Equal(t, "hello", got.Message)
		assert.Equal(t, 75, got.Priority)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, "test", got.Metadata["source"])
		assert.Nil(t, got.RoutedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			req  *models.Request
		}{
			{name: "missing id", req: &models.Request{Provider: "kimi", Message: "hi"}},
			{name: "missing provider", req: &models.Request{ID: "r1", Message: "hi"}},
			{name: "missing message", req: &models.Request{ID: "r1", Provider: "kimi"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := s.CreateRequest(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
			})
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		req := models.NewRequest("kimi", "once", 50, 0)
		require.NoError(t, s.CreateRequest(ctx, req))

		err := s.CreateRequest(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})
}

func TestStore_GetRequest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRequest(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateRequestStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := func(t *testing.T) *models.Request {
		t.Helper()
		req := models.NewRequest("qwen", "work", 50, 0)
		require.NoError(t, s.CreateRequest(ctx, req))
		return req
	}

	t.Run("queued to processing stamps routing times", func(t *testing.T) {
		req := create(t)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusProcessing, models.BackendHTTP))

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, models.BackendHTTP, got.BackendKind)
		require.NotNil(t, got.RoutedAt)
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.Greater(t, got.UpdatedAt, req.UpdatedAt)
	})

	t.Run("terminal transition stamps completed_at", func(t *testing.T) {
		req := create(t)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusProcessing, ""))
		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusCompleted, ""))

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("routed_at survives a restart replay", func(t *testing.T) {
		req := create(t)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusProcessing, ""))
		first, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, first.RoutedAt)

		n, err := s.ResetProcessingRequests(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusProcessing, ""))
		second, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, second.RoutedAt)
		assert.Equal(t, *first.RoutedAt, *second.RoutedAt)
		require.NotNil(t, second.StartedAt)
		assert.Greater(t, *second.StartedAt, *first.RoutedAt)
	})

	t.Run("repeated terminal write is a no-op", func(t *testing.T) {
		req := create(t)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusFailed, ""))
		before, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusFailed, ""))
		after, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, *before.CompletedAt, *after.CompletedAt)
		assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	})

	t.Run("refuses to leave a terminal state", func(t *testing.T) {
		req := create(t)

		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusCancelled, ""))

		err := s.UpdateRequestStatus(ctx, req.ID, models.StatusCompleted, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTerminalState)

		err = s.UpdateRequestStatus(ctx, req.ID, models.StatusProcessing, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTerminalState)
	})

	t.Run("unknown request", func(t *testing.T) {
		err := s.UpdateRequestStatus(ctx, "missing", models.StatusCompleted, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		req := create(t)
		err := s.UpdateRequestStatus(ctx, req.ID, "sideways", "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestStore_PendingRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same priority resolves by submission order; higher priority jumps
	// the line regardless of age.
	old := models.NewRequest("kimi", "old low", 30, 0)
	old.CreatedAt = models.Now() - 60
	mid := models.NewRequest("kimi", "newer low", 30, 0)
	urgent := models.NewRequest("kimi", "urgent", 90, 0)

	for _, req := range []*models.Request{mid, urgent, old} {
		require.NoError(t, s.CreateRequest(ctx, req))
	}

	done := models.NewRequest("kimi", "already done", 99, 0)
	require.NoError(t, s.CreateRequest(ctx, done))
	require.NoError(t, s.UpdateRequestStatus(ctx, done.ID, models.StatusCompleted, ""))

	pending, err := s.PendingRequests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, urgent.ID, pending[0].ID)
	assert.Equal(t, old.ID, pending[1].ID)
	assert.Equal(t, mid.ID, pending[2].ID)

	limited, err := s.PendingRequests(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_CancelRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("cancels queued request", func(t *testing.T) {
		req := models.NewRequest("kimi", "cancel me", 50, 0)
		require.NoError(t, s.CreateRequest(ctx, req))

		ok, err := s.CancelRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("loses the race against a terminal write", func(t *testing.T) {
		req := models.NewRequest("kimi", "too late", 50, 0)
		require.NoError(t, s.CreateRequest(ctx, req))
		require.NoError(t, s.UpdateRequestStatus(ctx, req.ID, models.StatusCompleted, ""))

		ok, err := s.CancelRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})

	t.Run("missing request", func(t *testing.T) {
		ok, err := s.CancelRequest(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ListRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := models.NewRequest("kimi", "a", 10, 0)
	a.CreatedAt = models.Now() - 30
	b := models.NewRequest("qwen", "b", 90, 0)
	b.CreatedAt = models.Now() - 20
	c := models.NewRequest("kimi", "c", 50, 0)

	for _, req := range []*models.Request{a, b, c} {
		require.NoError(t, s.CreateRequest(ctx, req))
	}
	require.NoError(t, s.UpdateRequestStatus(ctx, b.ID, models.StatusCompleted, ""))

	t.Run("defaults to created_at ascending", func(t *testing.T) {
		got, err := s.ListRequests(ctx, RequestFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, a.ID, got[0].ID)
		assert.Equal(t, b.ID, got[1].ID)
		assert.Equal(t, c.ID, got[2].ID)
	})

	t.Run("filters by status and provider", func(t *testing.T) {
		got, err := s.ListRequests(ctx, RequestFilter{Status: models.StatusQueued, Provider: "kimi"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, req := range got {
			assert.Equal(t, "kimi", req.Provider)
			assert.Equal(t, models.StatusQueued, req.Status)
		}
	})

	t.Run("orders by priority descending", func(t *testing.T) {
		got, err := s.ListRequests(ctx, RequestFilter{OrderBy: "priority", Desc: true})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, b.ID, got[0].ID)
		assert.Equal(t, c.ID, got[1].ID)
		assert.Equal(t, a.ID, got[2].ID)
	})

	t.Run("pages with limit and offset", func(t *testing.T) {
		page, err := s.ListRequests(ctx, RequestFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, c.ID, page[0].ID)
	})

	t.Run("rejects unknown order column", func(t *testing.T) {
		_, err := s.ListRequests(ctx, RequestFilter{OrderBy: "id; DROP TABLE requests"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestStore_RequestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRequest(ctx, models.NewRequest("kimi", "q", 50, 0)))
	}
	busy := models.NewRequest("qwen", "busy", 50, 0)
	require.NoError(t, s.CreateRequest(ctx, busy))
	require.NoError(t, s.UpdateRequestStatus(ctx, busy.ID, models.StatusProcessing, ""))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.StatusQueued])
	assert.Equal(t, 1, counts[models.StatusProcessing])

	depth, err := s.QueueDepthByProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth["kimi"])
	assert.Zero(t, depth["qwen"])

	total, err := s.TotalRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

func TestStore_CleanupRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := models.NewRequest("kimi", "stale", 50, 0)
	require.NoError(t, s.CreateRequest(ctx, stale))
	require.NoError(t, s.UpdateRequestStatus(ctx, stale.ID, models.StatusCompleted, ""))
	require.NoError(t, s.SaveResponse(ctx, &models.Response{
		RequestID: stale.ID,
		Status:    models.StatusCompleted,
		Response:  "done",
		Provider:  "kimi",
		CreatedAt: models.Now(),
	}))
	backdateCompletion(t, s, stale.ID, models.Now()-48*3600)

	fresh := models.NewRequest("kimi", "fresh", 50, 0)
	require.NoError(t, s.CreateRequest(ctx, fresh))
	require.NoError(t, s.UpdateRequestStatus(ctx, fresh.ID, models.StatusCompleted, ""))

	active := models.NewRequest("kimi", "active", 50, 0)
	active.CreatedAt = models.Now() - 96*3600
	require.NoError(t, s.CreateRequest(ctx, active))

	n, err := s.CleanupRequests(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRequest(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetResponse(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Old but non-terminal requests are never swept.
	_, err = s.GetRequest(ctx, active.ID)
	require.NoError(t, err)
	_, err = s.GetRequest(ctx, fresh.ID)
	require.NoError(t, err)
}

// backdateCompletion rewrites completed_at so cleanup cutoffs can be
// exercised without sleeping.
func backdateCompletion(t *testing.T, s *Store, id string, ts float64) {
	t.Helper()
	query := s.rebind(`UPDATE requests SET completed_at = ? WHERE id = ?`)
	_, err := s.db.Exec(query, ts, id)
	require.NoError(t, err)
}
