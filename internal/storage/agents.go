package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
)

// CreateAgent inserts a new agent and returns it. Names are unique;
// a collision returns ErrConflict.
func (db *DB) CreateAgent(ctx context.Context, req model.CreateAgentRequest) (model.Agent, error) {
	name, err := validName(req.Name)
	if err != nil {
		return model.Agent{}, err
	}

	now := time.Now().UTC()
	agent := model.Agent{
		ID:        uuid.New(),
		Name:      name,
		Domain:    req.Domain,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if agent.Config == nil {
		agent.Config = map[string]any{}
	}

	cfg, err := encodeJSON(agent.Config)
	if err != nil {
		return model.Agent{}, err
	}
	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO agents (id, name, domain, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent.ID.String(), agent.Name, agent.Domain, cfg, encodeTime(now), encodeTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("agent %q: %w", req.Name, ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	return db.scanAgent(db.sql.QueryRowContext(ctx,
		`SELECT id, name, domain, config, created_at, updated_at FROM agents WHERE id = ?`,
		id.String(),
	))
}

// GetAgentByName retrieves an agent by its exact name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (model.Agent, error) {
	return db.scanAgent(db.sql.QueryRowContext(ctx,
		`SELECT id, name, domain, config, created_at, updated_at FROM agents WHERE name = ?`,
		name,
	))
}

// ListAgents returns all agents ordered by name.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, domain, config, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := db.scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies the non-nil fields of req. Renames keep the id
// stable and enforce name uniqueness.
func (db *DB) UpdateAgent(ctx context.Context, id uuid.UUID, req model.UpdateAgentRequest) (model.Agent, error) {
	agent, err := db.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if req.Name != nil {
		name, err := validName(*req.Name)
		if err != nil {
			return model.Agent{}, err
		}
		agent.Name = name
	}
	if req.Domain != nil {
		agent.Domain = *req.Domain
	}
	if req.Config != nil {
		agent.Config = req.Config
	}
	agent.UpdatedAt = time.Now().UTC()

	cfg, err := encodeJSON(agent.Config)
	if err != nil {
		return model.Agent{}, err
	}
	_, err = db.sql.ExecContext(ctx,
		`UPDATE agents SET name = ?, domain = ?, config = ?, updated_at = ? WHERE id = ?`,
		agent.Name, agent.Domain, cfg, encodeTime(agent.UpdatedAt), id.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("agent %q: %w", agent.Name, ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return agent, nil
}

// DeleteAgent removes an agent. Deletion is rejected with
// ErrReferenced while any workflow still references the agent.
func (db *DB) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	var refs int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE agent_id = ?`, id.String(),
	).Scan(&refs); err != nil {
		return fmt.Errorf("storage: count agent references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("agent has %d workflow(s): %w", refs, ErrReferenced)
	}

	res, err := db.sql.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanAgent(row *sql.Row) (model.Agent, error) {
	a, err := db.scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	return a, err
}

func (db *DB) scanAgentRow(row rowScanner) (model.Agent, error) {
	var (
		a                    model.Agent
		id, created, updated string
		cfg                  sql.NullString
	)
	if err := row.Scan(&id, &a.Name, &a.Domain, &cfg, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, err
		}
		return model.Agent{}, fmt.Errorf("storage: scan agent: %w", err)
	}

	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Agent{}, fmt.Errorf("storage: parse agent id: %w", err)
	}
	if a.Config, err = decodeJSON(cfg); err != nil {
		return model.Agent{}, err
	}
	if a.CreatedAt, err = decodeTime(created); err != nil {
		return model.Agent{}, err
	}
	if a.UpdatedAt, err = decodeTime(updated); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}
