// Package project stores the portfolio's project records.
package project

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
)

// MaxTitleLength is the longest title accepted, in characters.
const MaxTitleLength = 100

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// ErrNotFound is returned when no project has the requested ID.
var ErrNotFound = errors.New("project not found")

// Project is a portfolio entry.
type Project struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ImageURL    *string  `json:"imageUrl"`
	ProjectURL  string   `json:"projectUrl"`
	Tags        []string `json:"tags"`
}

// Input carries the writable fields of a Project for create and update.
type Input struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ImageURL    *string  `json:"imageUrl,omitempty"`
	ProjectURL  string   `json:"projectUrl"`
	Tags        []string `json:"tags,omitempty"`
}

// ValidationError lists the fields of an Input that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range []string{"title", "description", "imageUrl", "projectUrl"} {
		if msg, ok := e.Fields[f]; ok {
			parts = append(parts, f+": "+msg)
		}
	}
	return "invalid project: " + strings.Join(parts, "; ")
}

// Validate checks required fields, the title length and the URLs.
func (in Input) Validate() error {
	fields := make(map[string]string)

	switch {
	case strings.TrimSpace(in.Title) == "":
		fields["title"] = "A title is required."
	case utf8.RuneCountInString(in.Title) > MaxTitleLength:
		fields["title"] = fmt.Sprintf("The title cannot exceed %d characters.", MaxTitleLength)
	}
	if strings.TrimSpace(in.Description) == "" {
		fields["description"] = "A description is required."
	}
	if in.ImageURL != nil && *in.ImageURL != "" && !validURL(*in.ImageURL) {
		fields["imageUrl"] = "The image URL is not a valid URL."
	}
	switch {
	case strings.TrimSpace(in.ProjectURL) == "":
		fields["projectUrl"] = "A project URL is required."
	case !validURL(in.ProjectURL):
		fields["projectUrl"] = "The project URL is not a valid URL."
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Project returns a new, unsaved Project carrying the input's fields.
func (in Input) Project() Project {
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	return Project{
		Title:       in.Title,
		Description: in.Description,
		ImageURL:    in.ImageURL,
		ProjectURL:  in.ProjectURL,
		Tags:        tags,
	}
}

// Store persists projects.
type Store interface {
	List(ctx context.Context) ([]Project, error)
	Get(ctx context.Context, id int) (Project, error)
	Create(ctx context.Context, in Input) (Project, error)
	CreateMany(ctx context.Context, in []Input) ([]Project, error)
	Update(ctx context.Context, id int, in Input) error
	Delete(ctx context.Context, id int) error
}

// IsUniqueConstraintViolation reports whether err was caused by a PostgreSQL
// unique constraint violation.
func IsUniqueConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
