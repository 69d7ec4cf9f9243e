package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"bakeops/internal/blob"
)

// Object tag names attached to every snapshot. Backends such as S3 lowercase
// user metadata keys, so tags are lowercase.
const (
	TagID         = "snapshot-id"
	TagVersion    = "schema-version"
	TagEntityType = "entity-type"
	TagEntityID   = "entity-id"
	TagEntityName = "entity-name"
	TagScope      = "scope-id"
	TagTrigger    = "trigger"
	TagCreatedAt  = "created-at"
)

const defaultConcurrency = 8

// Logger receives snapshot read anomalies.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

type settings struct {
	logger      Logger
	concurrency int
	now         func() time.Time
	newID       func() string
}

// Option configures a Reader or Service.
type Option func(*settings)

// WithLogger routes validation and parsing warnings to logger.
func WithLogger(logger Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency bounds parallel tag fetches during filtered listings.
func WithConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides snapshot id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *settings) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Reader reads snapshots of any registered entity type.
type Reader struct {
	store    blob.Store
	registry *Registry
	settings
}

// NewReader constructs a Reader over store using codecs from registry.
func NewReader(store blob.Store, registry *Registry, opts ...Option) *Reader {
	r := &Reader{store: store, registry: registry, settings: defaultSettings()}
	for _, opt := range opts {
		opt(&r.settings)
	}
	return r
}

// Fetch loads the record at key and returns its data in the current schema.
// Payloads recorded at an older version are migrated before validation; a
// payload that still fails validation yields ErrSnapshotUnavailable.
func (r *Reader) Fetch(ctx context.Context, key string) (Record, error) {
	k, err := ParseKey(key)
	if err != nil {
		return Record{}, err
	}
	codec, err := r.registry.Lookup(k.EntityType)
	if err != nil {
		return Record{}, err
	}
	_, rc, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Record{}, err
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Record{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("snapshot: undecodable record", "key", key, "error", err)
		return Record{}, fmt.Errorf("%w: %s: %v", ErrSnapshotUnavailable, key, err)
	}
	data, err := r.upgrade(codec, key, rec)
	if err != nil {
		return Record{}, err
	}
	rec.Data = data
	return rec, nil
}

func (r *Reader) upgrade(codec Codec, key string, rec Record) (json.RawMessage, error) {
	data := rec.Data
	version := rec.Metadata.SchemaVersion
	if version != codec.CurrentVersion() {
		migrated, err := codec.Migrate(data, version)
		if err != nil {
			r.logger.Warn("snapshot: migration failed", "key", key, "schema_version", version, "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrSnapshotUnavailable, key, err)
		}
		data = migrated
	}
	if err := codec.Validate(data); err != nil {
		r.logger.Warn("snapshot: invalid payload", "key", key, "schema_version", version, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotUnavailable, key, err)
	}
	return data, nil
}

// List returns summaries for one entity, newest first. Snapshots sharing a
// timestamp order by schema version, then by id, so the default time-ordered
// ids keep creation order. Without a trigger
// filter only keys are read. A trigger filter fetches object tags for every
// candidate before the limit is applied.
func (r *Reader) List(ctx context.Context, scopeID, entityType, entityID string, opts ListOptions) ([]Summary, error) {
	if opts.Trigger != "" && !opts.Trigger.Valid() {
		return nil, fmt.Errorf("snapshot: unknown trigger %q", opts.Trigger)
	}
	infos, err := r.store.List(ctx, EntityPrefix(scopeID, entityType, entityID))
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(infos))
	for _, info := range infos {
		k, err := ParseKey(info.Key)
		if err != nil {
			r.logger.Warn("snapshot: skipping unparsable key", "key", info.Key, "error", err)
			continue
		}
		if k.ScopeID != scopeID || k.EntityType != entityType || k.EntityID != entityID {
			continue
		}
		summaries = append(summaries, summaryFromKey(info.Key, k))
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		if summaries[i].SchemaVersion != summaries[j].SchemaVersion {
			return summaries[i].SchemaVersion > summaries[j].SchemaVersion
		}
		return summaries[i].ID > summaries[j].ID
	})
	if opts.Trigger != "" {
		if summaries, err = r.filterByTrigger(ctx, summaries, opts.Trigger); err != nil {
			return nil, err
		}
	}
	if opts.Limit > 0 && len(summaries) > opts.Limit {
		summaries = summaries[:opts.Limit]
	}
	return summaries, nil
}

func (r *Reader) filterByTrigger(ctx context.Context, in []Summary, trigger Trigger) ([]Summary, error) {
	heads := make([]blob.Info, len(in))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range in {
		g.Go(func() error {
			info, err := r.store.Head(gctx, in[i].Key)
			if err != nil {
				return fmt.Errorf("head %s: %w", in[i].Key, err)
			}
			heads[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(in))
	for i, s := range in {
		tags := heads[i].Metadata
		if Trigger(tags[TagTrigger]) != trigger {
			continue
		}
		s.Trigger = trigger
		if name, err := url.QueryUnescape(tags[TagEntityName]); err == nil {
			s.EntityName = name
		}
		out = append(out, s)
	}
	return out, nil
}

// Latest fetches the most recent snapshot of one entity.
func (r *Reader) Latest(ctx context.Context, scopeID, entityType, entityID string) (Record, string, error) {
	summaries, err := r.List(ctx, scopeID, entityType, entityID, ListOptions{Limit: 1})
	if err != nil {
		return Record{}, "", err
	}
	if len(summaries) == 0 {
		return Record{}, "", fmt.Errorf("%w: %s/%s/%s", ErrNotFound, scopeID, entityType, entityID)
	}
	rec, err := r.Fetch(ctx, summaries[0].Key)
	return rec, summaries[0].Key, err
}

// Compare fetches both snapshots concurrently and diffs their payloads.
func (r *Reader) Compare(ctx context.Context, olderKey, newerKey string) (Diff, error) {
	var older, newer Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		older, err = r.Fetch(gctx, olderKey)
		return err
	})
	g.Go(func() (err error) {
		newer, err = r.Fetch(gctx, newerKey)
		return err
	})
	if err := g.Wait(); err != nil {
		return Diff{}, err
	}
	added, removed, modified, err := DiffPayloads(older.Data, newer.Data)
	if err != nil {
		return Diff{}, err
	}
	elapsed := newer.Metadata.CreatedAt.Sub(older.Metadata.CreatedAt)
	return Diff{
		OlderKey:  olderKey,
		NewerKey:  newerKey,
		Added:     added,
		Removed:   removed,
		Modified:  modified,
		Elapsed:   elapsed,
		TimeDelta: HumanizeDelta(elapsed),
	}, nil
}

func tagsFor(md Metadata) map[string]string {
	return map[string]string{
		TagID:         md.ID,
		TagVersion:    strconv.Itoa(md.SchemaVersion),
		TagEntityType: md.EntityType,
		TagEntityID:   md.EntityID,
		TagEntityName: url.QueryEscape(md.EntityName),
		TagScope:      md.ScopeID,
		TagTrigger:    string(md.Trigger),
		TagCreatedAt:  md.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
