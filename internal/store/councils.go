package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SaveCouncil stores a named council configuration. A missing id is
// minted; saving with an existing id overwrites that council.
func (s *Store) SaveCouncil(ctx context.Context, c *Council) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConfigType == "" {
		c.ConfigType = "council"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO councils (id, name, config_type, config, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				config_type = excluded.config_type, config = excluded.config`,
			c.ID, c.Name, c.ConfigType, c.Config, formatTime(c.CreatedAt))
		return mapConstraint(err, "council %q", c.Name)
	})
}

// GetCouncil returns one saved council by id.
func (s *Store) GetCouncil(ctx context.Context, id string) (*Council, error) {
	var (
		c       Council
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, config_type, config, created_at FROM councils WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.ConfigType, &c.Config, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("council %s", id)
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// ListCouncils returns every saved council, by name.
func (s *Store) ListCouncils(ctx context.Context) ([]*Council, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, config_type, config, created_at FROM councils ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Council
	for rows.Next() {
		var (
			c       Council
			created string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.ConfigType, &c.Config, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCouncil removes a saved council.
func (s *Store) DeleteCouncil(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM councils WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, "council %s", id)
	})
}
