package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/models"
)

func TestStore_EnsureBuiltinTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureBuiltinTemplates(ctx))
	// Seeding again must not duplicate or error.
	require.NoError(t, s.EnsureBuiltinTemplates(ctx))

	all, err := s.ListTemplates(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	tpl, err := s.GetTemplate(ctx, "arch-review")
	require.NoError(t, err)
	assert.Equal(t, "Architecture Review", tpl.Name)
	assert.Contains(t, tpl.TopicTemplate, "{subject}")
	assert.Equal(t, []string{"kimi", "qwen", "deepseek"}, tpl.DefaultProviders)
	assert.True(t, tpl.IsBuiltin)
	assert.Equal(t, "engineering", tpl.Category)

	byName, err := s.GetTemplateByName(ctx, "Bug Analysis")
	require.NoError(t, err)
	assert.Equal(t, "bug-analysis", byName.ID)
	assert.Equal(t, "debugging", byName.Category)

	debugging, err := s.ListTemplates(ctx, "debugging", true)
	require.NoError(t, err)
	require.Len(t, debugging, 1)
	assert.Equal(t, "bug-analysis", debugging[0].ID)

	custom, err := s.ListTemplates(ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, custom)
}

func TestStore_CustomTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBuiltinTemplates(ctx))

	t.Run("create generates short id", func(t *testing.T) {
		tpl := &models.DiscussionTemplate{
			Name:             "Incident Retro",
			Description:      "Run a blameless incident retrospective",
			TopicTemplate:    "Retro for incident: {incident}\n\nTimeline:\n{timeline}",
			DefaultProviders: []string{"kimi", "deepseek"},
			Category:         "operations",
		}
		require.NoError(t, s.CreateTemplate(ctx, tpl))
		assert.Len(t, tpl.ID, 12)

		got, err := s.GetTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.False(t, got.IsBuiltin)
		assert.Equal(t, []string{"kimi", "deepseek"}, got.DefaultProviders)
	})

	t.Run("validates required fields", func(t *testing.T) {
		err := s.CreateTemplate(ctx, &models.DiscussionTemplate{Name: "No Topic"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		err = s.CreateTemplate(ctx, &models.DiscussionTemplate{TopicTemplate: "{x}"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("update and delete are builtin-protected", func(t *testing.T) {
		err := s.UpdateTemplate(ctx, "arch-review", TemplateUpdate{Name: strp("Hijacked")})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidInput)

		ok, err := s.DeleteTemplate(ctx, "arch-review")
		require.NoError(t, err)
		assert.False(t, ok)

		still, err := s.GetTemplate(ctx, "arch-review")
		require.NoError(t, err)
		assert.Equal(t, "Architecture Review", still.Name)
	})

	t.Run("updates custom template", func(t *testing.T) {
		tpl := &models.DiscussionTemplate{
			Name:          "Draft",
			TopicTemplate: "Discuss: {x}",
		}
		require.NoError(t, s.CreateTemplate(ctx, tpl))

		require.NoError(t, s.UpdateTemplate(ctx, tpl.ID, TemplateUpdate{
			Name:     strp("Final"),
			Category: strp("planning"),
		}))

		got, err := s.GetTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "Final", got.Name)
		assert.Equal(t, "planning", got.Category)
		assert.Equal(t, "Discuss: {x}", got.TopicTemplate)

		ok, err := s.DeleteTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.GetTemplate(ctx, tpl.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("usage count drives list order", func(t *testing.T) {
		require.NoError(t, s.IncrementTemplateUsage(ctx, "bug-analysis"))
		require.NoError(t, s.IncrementTemplateUsage(ctx, "bug-analysis"))
		require.NoError(t, s.IncrementTemplateUsage(ctx, "code-review"))

		all, err := s.ListTemplates(ctx, "", true)
		require.NoError(t, err)
		require.NotEmpty(t, all)
		assert.Equal(t, "bug-analysis", all[0].ID)
		assert.Equal(t, 2, all[0].UsageCount)
		assert.Equal(t, "code-review", all[1].ID)
	})
}
