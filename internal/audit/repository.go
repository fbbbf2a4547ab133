package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists audit entries in PostgreSQL.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption customizes the repository.
type RepositoryOption func(*Repository)

// WithTable overrides the audit table name.
func WithTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository creates an audit repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) (*Repository, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}
	repo := &Repository{db: db, table: "audit_logs"}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Log inserts an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, tenant_id, actor, role, action, resource_type, resource_id,
			space_id, metadata, payload_digest, ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Actor,
		entry.Role,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.SpaceID,
		metadata,
		entry.PayloadDigest,
		entry.IP,
		entry.UserAgent,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
