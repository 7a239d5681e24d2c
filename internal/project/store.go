package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id, title, description, image_url, project_url, tags`

// PGStore is a Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func scan(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.ImageURL, &p.ProjectURL, &p.Tags)
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p, err
}

func (s *PGStore) List(ctx context.Context) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, id int) (Project, error) {
	p, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to get project %d: %w", id, err)
	}
	return p, nil
}

const insert = `INSERT INTO projects (title, description, image_url, project_url, tags)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + columns

func (s *PGStore) Create(ctx context.Context, in Input) (Project, error) {
	p := in.Project()
	created, err := scan(s.pool.QueryRow(ctx, insert, p.Title, p.Description, p.ImageURL, p.ProjectURL, p.Tags))
	if err != nil {
		return Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	return created, nil
}

// CreateMany inserts every input in one transaction: either all are stored
// or none.
func (s *PGStore) CreateMany(ctx context.Context, in []Input) ([]Project, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created := make([]Project, 0, len(in))
	for _, i := range in {
		p := i.Project()
		c, err := scan(tx.QueryRow(ctx, insert, p.Title, p.Description, p.ImageURL, p.ProjectURL, p.Tags))
		if err != nil {
			return nil, fmt.Errorf("failed to create project %q: %w", p.Title, err)
		}
		created = append(created, c)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit projects: %w", err)
	}
	return created, nil
}

func (s *PGStore) Update(ctx context.Context, id int, in Input) error {
	p := in.Project()
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects
		 SET title = $2, description = $3, image_url = $4, project_url = $5, tags = $6
		 WHERE id = $1`,
		id, p.Title, p.Description, p.ImageURL, p.ProjectURL, p.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
