package prompt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

// ErrNotFound is returned when a prompt id does not resolve.
var ErrNotFound = errors.New("prompt not found")

const cacheTTL = 30 * time.Minute

// Catalog provides named system-prompt templates selectable at chat
// creation time, backed by the database with an optional redis read cache.
type Catalog struct {
	db    *sql.DB
	cache *redis.Client
}

// NewCatalog builds a catalog. cache may be nil.
func NewCatalog(db *sql.DB, cache *redis.Client) *Catalog {
	return &Catalog{db: db, cache: cache}
}

// Resolve returns the prompt for the given id, or ErrNotFound.
func (c *Catalog) Resolve(ctx context.Context, id int64) (*models.Prompt, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	if p := c.fromCache(ctx, id); p != nil {
		return p, nil
	}

	var p models.Prompt
	err := c.db.QueryRowContext(ctx,
		`SELECT id, title, text, created_at, updated_at FROM prompts WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Text, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve prompt: %w", err)
	}
	c.toCache(ctx, &p)
	return &p, nil
}

// Create stores a new prompt and returns it.
func (c *Catalog) Create(ctx context.Context, title, text string) (*models.Prompt, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("prompt title is required")
	}
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO prompts (title, text, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		title, text, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create prompt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("prompt id: %w", err)
	}
	return &models.Prompt{ID: id, Title: title, Text: text, CreatedAt: now, UpdatedAt: now}, nil
}

// Update rewrites a prompt's title and text.
func (c *Catalog) Update(ctx context.Context, id int64, title, text string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("prompt title is required")
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE prompts SET title = ?, text = ?, updated_at = ? WHERE id = ?`,
		title, text, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("prompt rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := c.cache.Del(ctx, cacheKey(id)); err != nil {
		log.Printf("prompt cache invalidate failed: %v", err)
	}
	return nil
}

// List returns all prompts ordered by id.
func (c *Catalog) List(ctx context.Context) ([]models.Prompt, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, text, created_at, updated_at FROM prompts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []models.Prompt
	for rows.Next() {
		var p models.Prompt
		if err := rows.Scan(&p.ID, &p.Title, &p.Text, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// ListModels returns the model catalog.
func (c *Catalog) ListModels(ctx context.Context) ([]models.LLM, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, title FROM llms ORDER BY title DESC`)
	if err != nil {
		return nil, fmt.Errorf("list llms: %w", err)
	}
	defer rows.Close()

	var llms []models.LLM
	for rows.Next() {
		var m models.LLM
		if err := rows.Scan(&m.ID, &m.Title); err != nil {
			return nil, fmt.Errorf("scan llm: %w", err)
		}
		llms = append(llms, m)
	}
	return llms, rows.Err()
}

func cacheKey(id int64) string {
	return fmt.Sprintf("prompt:%d", id)
}

func (c *Catalog) fromCache(ctx context.Context, id int64) *models.Prompt {
	raw, err := c.cache.Get(ctx, cacheKey(id))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("prompt cache read failed: %v", err)
		}
		return nil
	}
	var p models.Prompt
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		log.Printf("prompt cache decode failed: %v", err)
		return nil
	}
	return &p
}

func (c *Catalog) toCache(ctx context.Context, p *models.Prompt) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(p.ID), data, cacheTTL); err != nil {
		log.Printf("prompt cache write failed: %v", err)
	}
}
