package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// TemplateRepo persists the reusable message templates automation rules
// send from.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template repository.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) Create(ctx context.Context, t *domain.MessageTemplate) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	content, err := json.Marshal(t.Content)
	if err != nil {
		return "", fmt.Errorf("marshal template content: %w", err)
	}
	fallback, err := json.Marshal(t.Fallback)
	if err != nil {
		return "", fmt.Errorf("marshal template fallback: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO message_templates (id, name, content, fallback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, t.ID, t.Name, content, fallback)
	if err != nil {
		return "", fmt.Errorf("create template: %w", err)
	}
	return t.ID, nil
}

func (r *TemplateRepo) Get(ctx context.Context, id string) (*domain.MessageTemplate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, content, fallback, created_at, updated_at
		FROM message_templates WHERE id = $1
	`, id)

	t := &domain.MessageTemplate{}
	var content, fallback []byte
	err := row.Scan(&t.ID, &t.Name, &content, &fallback, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(content, &t.Content); err != nil {
		return nil, fmt.Errorf("unmarshal template content: %w", err)
	}
	if err := json.Unmarshal(fallback, &t.Fallback); err != nil {
		return nil, fmt.Errorf("unmarshal template fallback: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) List(ctx context.Context) ([]domain.MessageTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, content, fallback, created_at, updated_at
		FROM message_templates ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageTemplate
	for rows.Next() {
		t := domain.MessageTemplate{}
		var content, fallback []byte
		if err := rows.Scan(&t.ID, &t.Name, &content, &fallback, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal(content, &t.Content); err != nil {
			return nil, fmt.Errorf("unmarshal template content: %w", err)
		}
		if err := json.Unmarshal(fallback, &t.Fallback); err != nil {
			return nil, fmt.Errorf("unmarshal template fallback: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TemplateRepo) Update(ctx context.Context, t *domain.MessageTemplate) error {
	content, err := json.Marshal(t.Content)
	if err != nil {
		return fmt.Errorf("marshal template content: %w", err)
	}
	fallback, err := json.Marshal(t.Fallback)
	if err != nil {
		return fmt.Errorf("marshal template fallback: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE message_templates SET name = $1, content = $2, fallback = $3, updated_at = NOW()
		WHERE id = $4
	`, t.Name, content, fallback, t.ID)
	if err != nil {
		return fmt.Errorf("update template %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
