package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/mohans/schedrun/internal/errors"
)

// SQLCanvasSource reads canvases and their resources from the relational store.
type SQLCanvasSource struct {
	db *sqlx.DB
}

func NewSQLCanvasSource(db *sqlx.DB) *SQLCanvasSource {
	return &SQLCanvasSource{db: db}
}

type canvasRow struct {
	CanvasID  string         `db:"canvas_id"`
	UID       string         `db:"uid"`
	Title     string         `db:"title"`
	Graph     string         `db:"graph"`
	Variables sql.NullString `db:"variables"`
}

// LoadCanvas returns a live (not soft-deleted) canvas with its resources.
func (s *SQLCanvasSource) LoadCanvas(ctx context.Context, canvasID string) (*Canvas, error) {
	var row canvasRow
	query := s.db.Rebind(`SELECT canvas_id, uid, title, graph, variables
		FROM canvases WHERE canvas_id = ? AND deleted_at IS NULL`)
	if err := s.db.GetContext(ctx, &row, query, canvasID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("canvas %s", canvasID)
		}
		return nil, errors.Wrap(err, "failed to get canvas")
	}

	resources := []Resource{}
	query = s.db.Rebind(`SELECT resource_id, kind, storage_key FROM canvas_resources
		WHERE canvas_id = ? AND deleted_at IS NULL ORDER BY resource_id`)
	if err := s.db.SelectContext(ctx, &resources, query, canvasID); err != nil {
		return nil, errors.Wrap(err, "failed to list canvas resources")
	}

	c := &Canvas{
		CanvasID:  row.CanvasID,
		UID:       row.UID,
		Title:     row.Title,
		Graph:     json.RawMessage(row.Graph),
		Resources: resources,
	}
	if row.Variables.Valid && row.Variables.String != "" {
		c.Variables = json.RawMessage(row.Variables.String)
	}
	return c, nil
}
