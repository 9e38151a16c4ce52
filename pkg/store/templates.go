package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/pkg/models"
)

const templateColumns = `id, name, description, topic_template, default_providers,
	default_config, category, usage_count, is_builtin, created_at, updated_at`

type templateRow struct {
	models.DiscussionTemplate
	ProvidersJSON string `db:"default_providers"`
}

func (r *templateRow) toModel() *models.DiscussionTemplate {
	tpl := r.DiscussionTemplate
	tpl.DefaultProviders = unmarshalStrings(r.ProvidersJSON)
	return &tpl
}

// TemplateUpdate names the fields a template update may change. Nil
// pointers leave the column untouched.
type TemplateUpdate struct {
	Name             *string
	Description      *string
	TopicTemplate    *string
	DefaultProviders []string
	DefaultConfig    *string
	Category         *string
}

// builtinTemplates returns the discussion templates seeded on startup.
func builtinTemplates() []*models.DiscussionTemplate {
	return []*models.DiscussionTemplate{
		{
			ID:               "arch-review",
			Name:             "Architecture Review",
			Description:      "Review and discuss system architecture decisions",
			TopicTemplate:    "Review the architecture for: {subject}\n\nContext:\n{context}\n\nFocus areas:\n- Scalability\n- Maintainability\n- Security\n- Performance",
			DefaultProviders: []string{"kimi", "qwen", "deepseek"},
			DefaultConfig:    `{"max_rounds": 3, "provider_timeout_s": 120}`,
			Category:         "engineering",
		},
		{
			ID:               "code-review",
			Name:             "Code Review",
			Description:      "Collaborative code review with multiple AI perspectives",
			TopicTemplate:    "Review the following code:\n\n```{language}\n{code}\n```\n\nFocus on:\n- Code quality and best practices\n- Potential bugs or issues\n- Performance considerations\n- Security vulnerabilities",
			DefaultProviders: []string{"kimi", "qwen", "deepseek"},
			DefaultConfig:    `{"max_rounds": 2, "provider_timeout_s": 90}`,
			Category:         "engineering",
		},
		{
			ID:               "api-design",
			Name:             "API Design",
			Description:      "Design and review API endpoints and contracts",
			TopicTemplate:    "Design an API for: {subject}\n\nRequirements:\n{requirements}\n\nConsider:\n- RESTful principles\n- Error handling\n- Versioning strategy\n- Authentication/Authorization",
			DefaultProviders: []string{"kimi", "qwen", "deepseek"},
			DefaultConfig:    `{"max_rounds": 3, "provider_timeout_s": 120}`,
			Category:         "engineering",
		},
		{
			ID:               "bug-analysis",
			Name:             "Bug Analysis",
			Description:      "Analyze and diagnose bugs collaboratively",
			TopicTemplate:    "Analyze this bug:\n\nSymptoms:\n{symptoms}\n\nReproduction steps:\n{steps}\n\nRelevant code:\n```\n{code}\n```\n\nIdentify:\n- Root cause\n- Impact assessment\n- Recommended fix\n- Prevention strategies",
			DefaultProviders: []string{"kimi", "qwen", "deepseek"},
			DefaultConfig:    `{"max_rounds": 2, "provider_timeout_s": 90}`,
			Category:         "debugging",
		},
		{
			ID:               "perf-optimization",
			Name:             "Performance Optimization",
			Description:      "Discuss and plan performance improvements",
			TopicTemplate:    "Optimize performance for: {subject}\n\nCurrent metrics:\n{metrics}\n\nBottlenecks identified:\n{bottlenecks}\n\nPropose:\n- Quick wins\n- Long-term improvements\n- Trade-offs to consider",
			DefaultProviders: []string{"kimi", "qwen", "deepseek"},
			DefaultConfig:    `{"max_rounds": 3, "provider_timeout_s": 120}`,
			Category:         "engineering",
		},
	}
}

// EnsureBuiltinTemplates seeds the builtin templates, skipping any that
// already exist so repeated startups are safe.
func (s *Store) EnsureBuiltinTemplates(ctx context.Context) error {
	query := s.rebind(`
		INSERT INTO discussion_templates (id, name, description, topic_template,
			default_providers, default_config, category, usage_count, is_builtin,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, TRUE, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	now := models.Now()
	for _, tpl := range builtinTemplates() {
		_, err := s.db.ExecContext(ctx, query,
			tpl.ID, tpl.Name, tpl.Description, tpl.TopicTemplate,
			marshalStrings(tpl.DefaultProviders), tpl.DefaultConfig, tpl.Category,
			now, now)
		if err != nil {
			return fmt.Errorf("failed to seed builtin template %s: %w", tpl.ID, err)
		}
	}
	return nil
}

// CreateTemplate persists a custom template. A missing ID gets a short
// generated one.
func (s *Store) CreateTemplate(ctx context.Context, tpl *models.DiscussionTemplate) error {
	if tpl.Name == "" {
		return NewValidationError("name", "required")
	}
	if tpl.TopicTemplate == "" {
		return NewValidationError("topic_template", "required")
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()[:12]
	}
	if tpl.CreatedAt == 0 {
		tpl.CreatedAt = models.Now()
	}
	if tpl.UpdatedAt == 0 {
		tpl.UpdatedAt = tpl.CreatedAt
	}

	query := s.rebind(`
		INSERT INTO discussion_templates (id, name, description, topic_template,
			default_providers, default_config, category, usage_count, is_builtin,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, FALSE, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		tpl.ID, tpl.Name, tpl.Description, tpl.TopicTemplate,
		marshalStrings(tpl.DefaultProviders), tpl.DefaultConfig, tpl.Category,
		tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: template %s", ErrAlreadyExists, tpl.ID)
	}
	return nil
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.DiscussionTemplate, error) {
	var row templateRow
	query := s.rebind(`SELECT ` + templateColumns + ` FROM discussion_templates WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return row.toModel(), nil
}

// GetTemplateByName fetches a template by its display name.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*models.DiscussionTemplate, error) {
	var row templateRow
	query := s.rebind(`SELECT ` + templateColumns + ` FROM discussion_templates WHERE name = ?`)
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: template %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return row.toModel(), nil
}

// ListTemplates returns templates ordered by popularity then name. An
// empty category matches all; includeBuiltin false hides seeded ones.
func (s *Store) ListTemplates(ctx context.Context, category string, includeBuiltin bool) ([]*models.DiscussionTemplate, error) {
	where := []string{"1=1"}
	args := []any{}

	if category != "" {
		where = append(where, "category = ?")
		args = append(args, category)
	}
	if !includeBuiltin {
		where = append(where, "is_builtin = FALSE")
	}

	query := s.rebind(fmt.Sprintf(
		`SELECT %s FROM discussion_templates WHERE %s ORDER BY usage_count DESC, name ASC`,
		templateColumns, strings.Join(where, " AND ")))

	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	out := make([]*models.DiscussionTemplate, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateTemplate applies a partial update. Builtin templates are
// immutable; updating one returns ErrInvalidInput.
func (s *Store) UpdateTemplate(ctx context.Context, id string, upd TemplateUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{models.Now()}

	if upd.Name != nil {
		set = append(set, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.TopicTemplate != nil {
		set = append(set, "topic_template = ?")
		args = append(args, *upd.TopicTemplate)
	}
	if upd.DefaultProviders != nil {
		set = append(set, "default_providers = ?")
		args = append(args, marshalStrings(upd.DefaultProviders))
	}
	if upd.DefaultConfig != nil {
		set = append(set, "default_config = ?")
		args = append(args, *upd.DefaultConfig)
	}
	if upd.Category != nil {
		set = append(set, "category = ?")
		args = append(args, *upd.Category)
	}
	args = append(args, id)

	query := s.rebind(fmt.Sprintf(
		`UPDATE discussion_templates SET %s WHERE id = ? AND is_builtin = FALSE`,
		strings.Join(set, ", ")))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetTemplate(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: builtin template %s cannot be modified", ErrInvalidInput, id)
}

// DeleteTemplate removes a custom template. Returns false for missing
// or builtin templates.
func (s *Store) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	query := s.rebind(`DELETE FROM discussion_templates WHERE id = ? AND is_builtin = FALSE`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementTemplateUsage bumps a template's usage counter.
func (s *Store) IncrementTemplateUsage(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE discussion_templates SET usage_count = usage_count + 1 WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}
	return nil
}
