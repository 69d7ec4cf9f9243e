package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bakeops/internal/blob"
)

func defaultSettings() settings {
	return settings{
		logger:      noopLogger{},
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newSnapshotID,
	}
}

// newSnapshotID returns a UUIDv7. Within a process successive ids sort
// lexically in creation order, which List relies on to order snapshots that
// share a timestamp.
func newSnapshotID() string { return uuid.Must(uuid.NewV7()).String() }

// Snapshot is a fetched record with its payload decoded into P.
type Snapshot[P any] struct {
	Key      string
	Metadata Metadata
	Data     json.RawMessage
	Payload  P
}

// Service creates and reads snapshots for one entity type. T is the live
// entity handed to CreateSnapshot and P the decoded payload returned by reads.
type Service[T, P any] struct {
	store      blob.Store
	serializer Serializer[T, P]
	reader     *Reader
	settings
}

// NewService binds serializer to store. The serializer is registered in a
// private registry so reads always resolve to it.
func NewService[T, P any](store blob.Store, serializer Serializer[T, P], opts ...Option) (*Service[T, P], error) {
	registry, err := NewRegistry(serializer)
	if err != nil {
		return nil, err
	}
	s := &Service[T, P]{store: store, serializer: serializer, settings: defaultSettings()}
	for _, opt := range opts {
		opt(&s.settings)
	}
	s.reader = &Reader{store: store, registry: registry, settings: s.settings}
	return s, nil
}

// EntityType returns the serializer's entity type.
func (s *Service[T, P]) EntityType() string { return s.serializer.EntityType() }

// Reader exposes the untyped read path.
func (s *Service[T, P]) Reader() *Reader { return s.reader }

// CreateSnapshot serializes entity and writes it under a freshly generated
// key, returning that key.
func (s *Service[T, P]) CreateSnapshot(ctx context.Context, entity T, scopeID, entityID, name string, trigger Trigger, actor *string) (string, error) {
	if strings.TrimSpace(scopeID) == "" || strings.TrimSpace(entityID) == "" {
		return "", fmt.Errorf("snapshot: scope and entity id are required")
	}
	if !trigger.Valid() {
		return "", fmt.Errorf("snapshot: unknown trigger %q", trigger)
	}
	data, err := s.serializer.Serialize(entity)
	if err != nil {
		return "", fmt.Errorf("serialize %s %s: %w", s.EntityType(), entityID, err)
	}
	md := Metadata{
		ID:            s.newID(),
		SchemaVersion: s.serializer.CurrentVersion(),
		EntityType:    s.EntityType(),
		EntityID:      entityID,
		EntityName:    name,
		ScopeID:       scopeID,
		CreatedAt:     s.now().UTC(),
		Trigger:       trigger,
		Actor:         actor,
	}
	body, err := json.Marshal(Record{Metadata: md, Data: data})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := Key{
		ScopeID:       scopeID,
		EntityType:    md.EntityType,
		EntityID:      entityID,
		CreatedAt:     md.CreatedAt,
		SchemaVersion: md.SchemaVersion,
		ID:            md.ID,
	}.String()
	if _, err := s.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    tagsFor(md),
	}); err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return key, nil
}

// GetLatestSnapshot returns the newest snapshot of entityID, migrated to the
// current schema. ErrNotFound is returned when none exist.
func (s *Service[T, P]) GetLatestSnapshot(ctx context.Context, scopeID, entityID string) (Snapshot[P], error) {
	rec, key, err := s.reader.Latest(ctx, scopeID, s.EntityType(), entityID)
	if err != nil {
		return Snapshot[P]{}, err
	}
	return s.decode(key, rec)
}

// ListSnapshots returns summaries newest first.
func (s *Service[T, P]) ListSnapshots(ctx context.Context, scopeID, entityID string, opts ListOptions) ([]Summary, error) {
	return s.reader.List(ctx, scopeID, s.EntityType(), entityID, opts)
}

// GetSnapshotByKey fetches, migrates and validates one snapshot.
func (s *Service[T, P]) GetSnapshotByKey(ctx context.Context, key string) (Snapshot[P], error) {
	k, err := ParseKey(key)
	if err != nil {
		return Snapshot[P]{}, err
	}
	if k.EntityType != s.EntityType() {
		return Snapshot[P]{}, fmt.Errorf("%w: %s (service handles %s)", ErrUnknownEntityType, k.EntityType, s.EntityType())
	}
	rec, err := s.reader.Fetch(ctx, key)
	if err != nil {
		return Snapshot[P]{}, err
	}
	return s.decode(key, rec)
}

// CompareSnapshots diffs two snapshots of this service's entity type.
func (s *Service[T, P]) CompareSnapshots(ctx context.Context, olderKey, newerKey string) (Diff, error) {
	return s.reader.Compare(ctx, olderKey, newerKey)
}

func (s *Service[T, P]) decode(key string, rec Record) (Snapshot[P], error) {
	payload, err := s.serializer.Decode(rec.Data)
	if err != nil {
		return Snapshot[P]{}, fmt.Errorf("%w: %s: %v", ErrSnapshotUnavailable, key, err)
	}
	return Snapshot[P]{Key: key, Metadata: rec.Metadata, Data: rec.Data, Payload: payload}, nil
}
