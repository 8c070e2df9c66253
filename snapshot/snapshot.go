// Package snapshot freezes a canvas into an immutable, replayable blob.
//
// A fresh execution builds a Snapshot from live canvas state and stores it
// under a new key before launch. Retries load the stored blob by key and
// never rebuild, so a retried run replays exactly what the original saw.
package snapshot

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/mohans/schedrun/failure"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/record"
)

// Resource is a file or attachment referenced by a canvas.
type Resource struct {
	ResourceID string `json:"resourceId" db:"resource_id"`
	Kind       string `json:"kind" db:"kind"`
	StorageKey string `json:"storageKey" db:"storage_key"`
}

// Canvas is the live state a snapshot is assembled from.
type Canvas struct {
	CanvasID  string
	UID       string
	Title     string
	Graph     json.RawMessage
	Variables json.RawMessage
	Resources []Resource
}

// Snapshot is the frozen workflow definition handed to the executor.
type Snapshot struct {
	Version   int             `json:"version"`
	CanvasID  string          `json:"canvasId"`
	UID       string          `json:"uid"`
	Title     string          `json:"title"`
	Graph     json.RawMessage `json:"graph"`
	Variables json.RawMessage `json:"variables,omitempty"`
	Resources []Resource      `json:"resources,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

const currentVersion = 1

// CanvasSource loads live canvas state.
type CanvasSource interface {
	LoadCanvas(ctx context.Context, canvasID string) (*Canvas, error)
}

// BlobStore persists snapshot blobs by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Service builds, stores and loads snapshots.
type Service struct {
	source CanvasSource
	blobs  BlobStore
	prefix string
	now    func() time.Time
}

func NewService(source CanvasSource, blobs BlobStore, prefix string) *Service {
	return &Service{source: source, blobs: blobs, prefix: prefix, now: time.Now}
}

// Build assembles a snapshot from the canvas's current state.
func (s *Service) Build(ctx context.Context, canvasID string) (*Snapshot, error) {
	c, err := s.source.LoadCanvas(ctx, canvasID)
	if errors.IsNotFoundError(err) {
		return nil, failure.WithReason(errors.Wrapf(err, "failed to load canvas %s", canvasID), record.ReasonCanvasDataError)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load canvas %s", canvasID)
	}
	if len(c.Graph) == 0 || !json.Valid(c.Graph) {
		return nil, failure.WithReason(errors.Newf("canvas %s has no valid workflow graph", canvasID), record.ReasonCanvasDataError)
	}
	vars := c.Variables
	if len(vars) > 0 && !json.Valid(vars) {
		return nil, failure.WithReason(errors.Newf("canvas %s has malformed variables", canvasID), record.ReasonCanvasDataError)
	}
	return &Snapshot{
		Version:   currentVersion,
		CanvasID:  c.CanvasID,
		UID:       c.UID,
		Title:     c.Title,
		Graph:     c.Graph,
		Variables: vars,
		Resources: c.Resources,
		CreatedAt: s.now().UTC(),
	}, nil
}

// Key returns a fresh storage key for a snapshot of uid's canvas.
func (s *Service) Key(uid, canvasID string) string {
	return path.Join(s.prefix, uid, canvasID, uuid.NewString()+".json")
}

// Save stores snap under a fresh key and returns it.
func (s *Service) Save(ctx context.Context, snap *Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", failure.WithReason(errors.Wrap(err, "failed to encode snapshot"), record.ReasonSnapshotError)
	}
	key := s.Key(snap.UID, snap.CanvasID)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return "", failure.WithReason(errors.Wrapf(err, "failed to store snapshot %s", key), record.ReasonSnapshotError)
	}
	return key, nil
}

// Load fetches and decodes the snapshot stored at key.
func (s *Service) Load(ctx context.Context, key string) (*Snapshot, error) {
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, failure.WithReason(errors.Wrapf(err, "failed to fetch snapshot %s", key), record.ReasonSnapshotError)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, failure.WithReason(errors.Wrapf(err, "failed to parse snapshot %s", key), record.ReasonSnapshotError)
	}
	return &snap, nil
}

// VariableMap decodes the snapshot's variables as an object. Absent variables
// yield an empty map.
func (s *Snapshot) VariableMap() (map[string]any, error) {
	vars := map[string]any{}
	if len(s.Variables) == 0 || string(s.Variables) == "null" {
		return vars, nil
	}
	if err := json.Unmarshal(s.Variables, &vars); err != nil {
		return nil, failure.WithReason(errors.Wrap(err, "failed to parse snapshot variables"), record.ReasonSnapshotError)
	}
	return vars, nil
}
