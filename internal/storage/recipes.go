package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
)

// CreateRecipe validates the document and inserts a new recipe at
// version 1. An invalid document is rejected with the full
// recipe.ValidationErrors; nothing is written.
func (db *DB) CreateRecipe(ctx context.Context, name, document string) (model.Recipe, error) {
	name, err := validName(name)
	if err != nil {
		return model.Recipe{}, err
	}
	if verrs := recipe.Validate(document); len(verrs) > 0 {
		return model.Recipe{}, verrs
	}

	now := time.Now().UTC()
	r := model.Recipe{
		ID:          uuid.New(),
		Name:        name,
		Version:     1,
		Document:    document,
		ContentHash: recipe.ContentHash(document),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO recipes (id, name, version, document, content_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Name, r.Version, r.Document, r.ContentHash, encodeTime(now), encodeTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Recipe{}, fmt.Errorf("recipe %q: %w", name, ErrConflict)
		}
		return model.Recipe{}, fmt.Errorf("storage: create recipe: %w", err)
	}
	return r, nil
}

// UpdateRecipe validates and saves a new document body (and
// optionally renames). The version increments only when the content
// hash changes; saving an identical document is a no-op apart from a
// possible rename.
func (db *DB) UpdateRecipe(ctx context.Context, id uuid.UUID, name, document string) (model.Recipe, error) {
	if verrs := recipe.Validate(document); len(verrs) > 0 {
		return model.Recipe{}, verrs
	}

	r, err := db.GetRecipe(ctx, id)
	if err != nil {
		return model.Recipe{}, err
	}

	hash := recipe.ContentHash(document)
	if hash != r.ContentHash {
		r.Version++
		r.Document = document
		r.ContentHash = hash
	}
	if name != "" {
		trimmed, err := validName(name)
		if err != nil {
			return model.Recipe{}, err
		}
		r.Name = trimmed
	}
	r.UpdatedAt = time.Now().UTC()

	_, err = db.sql.ExecContext(ctx,
		`UPDATE recipes SET name = ?, version = ?, document = ?, content_hash = ?, updated_at = ? WHERE id = ?`,
		r.Name, r.Version, r.Document, r.ContentHash, encodeTime(r.UpdatedAt), id.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Recipe{}, fmt.Errorf("recipe %q: %w", r.Name, ErrConflict)
		}
		return model.Recipe{}, fmt.Errorf("storage: update recipe: %w", err)
	}
	return r, nil
}

// GetRecipe retrieves a recipe by id.
func (db *DB) GetRecipe(ctx context.Context, id uuid.UUID) (model.Recipe, error) {
	return db.scanRecipe(db.sql.QueryRowContext(ctx,
		`SELECT id, name, version, document, content_hash, created_at, updated_at
		 FROM recipes WHERE id = ?`, id.String(),
	))
}

// GetRecipeByName retrieves a recipe by its exact name.
func (db *DB) GetRecipeByName(ctx context.Context, name string) (model.Recipe, error) {
	return db.scanRecipe(db.sql.QueryRowContext(ctx,
		`SELECT id, name, version, document, content_hash, created_at, updated_at
		 FROM recipes WHERE name = ?`, name,
	))
}

// ListRecipes returns all recipes ordered by name.
func (db *DB) ListRecipes(ctx context.Context) ([]model.Recipe, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, name, version, document, content_hash, created_at, updated_at
		 FROM recipes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list recipes: %w", err)
	}
	defer rows.Close()

	var recipes []model.Recipe
	for rows.Next() {
		r, err := db.scanRecipeRow(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	return recipes, rows.Err()
}

// DeleteRecipe removes a recipe. Deletion is rejected with
// ErrReferenced while any workflow still references the recipe.
func (db *DB) DeleteRecipe(ctx context.Context, id uuid.UUID) error {
	var refs int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE recipe_id = ?`, id.String(),
	).Scan(&refs); err != nil {
		return fmt.Errorf("storage: count recipe references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("recipe has %d workflow(s): %w", refs, ErrReferenced)
	}

	res, err := db.sql.ExecContext(ctx, `DELETE FROM recipes WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete recipe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) scanRecipe(row *sql.Row) (model.Recipe, error) {
	r, err := db.scanRecipeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipe{}, ErrNotFound
	}
	return r, err
}

func (db *DB) scanRecipeRow(row rowScanner) (model.Recipe, error) {
	var (
		r                    model.Recipe
		id, created, updated string
	)
	if err := row.Scan(&id, &r.Name, &r.Version, &r.Document, &r.ContentHash, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Recipe{}, err
		}
		return model.Recipe{}, fmt.Errorf("storage: scan recipe: %w", err)
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Recipe{}, fmt.Errorf("storage: parse recipe id: %w", err)
	}
	if r.CreatedAt, err = decodeTime(created); err != nil {
		return model.Recipe{}, err
	}
	if r.UpdatedAt, err = decodeTime(updated); err != nil {
		return model.Recipe{}, err
	}
	return r, nil
}
