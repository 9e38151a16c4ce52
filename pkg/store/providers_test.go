package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/models"
)

func TestStore_UpsertProviderStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := &models.ProviderInfo{
		Name:         "deepseek",
		BackendKind:  models.BackendHTTP,
		Status:       models.ProviderHealthy,
		QueueDepth:   2,
		AvgLatencyMS: 430,
		SuccessRate:  0.98,
		LastCheck:    models.Now(),
		Enabled:      true,
		Priority:     60,
		TimeoutS:     120,
	}
	require.NoError(t, s.UpsertProviderStatus(ctx, info))

	got, err := s.GetProviderStatus(ctx, "deepseek")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderHealthy, got.Status)
	assert.Equal(t, 2, got.QueueDepth)
	assert.True(t, got.Enabled)

	// Second write for the same provider replaces the row.
	info.Status = models.ProviderUnavailable
	info.SuccessRate = 0.1
	require.NoError(t, s.UpsertProviderStatus(ctx, info))

	got, err = s.GetProviderStatus(ctx, "deepseek")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderUnavailable, got.Status)
	assert.InDelta(t, 0.1, got.SuccessRate, 1e-9)

	list, err := s.ListProviderStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetProviderStatus(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
