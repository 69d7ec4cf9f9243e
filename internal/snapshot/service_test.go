package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bakeops/internal/blob"
)

type note struct {
	Title string
	Body  string
}

type notePayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

// noteSerializer stores notes at v3; v1 held a single text field and v2
// split it into title and body.
type noteSerializer struct {
	chain MigrationChain
}

func newNoteSerializer() *noteSerializer {
	return &noteSerializer{chain: NewMigrationChain(3,
		MigrationStep{From: 1, Apply: func(data json.RawMessage) (json.RawMessage, error) {
			var v1 struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &v1); err != nil {
				return nil, err
			}
			title, body, _ := strings.Cut(v1.Text, "\n")
			return json.Marshal(map[string]string{"title": title, "body": body})
		}},
		MigrationStep{From: 2, Apply: func(data json.RawMessage) (json.RawMessage, error) {
			var v2 map[string]any
			if err := json.Unmarshal(data, &v2); err != nil {
				return nil, err
			}
			v2["tags"] = []string{}
			return json.Marshal(v2)
		}},
	)}
}

func (*noteSerializer) EntityType() string { return "note" }
func (*noteSerializer) CurrentVersion() int { return 3 }

func (*noteSerializer) Serialize(n note) (json.RawMessage, error) {
	return json.Marshal(notePayload{Title: n.Title, Body: n.Body, Tags: []string{}})
}

func (s *noteSerializer) Validate(data json.RawMessage) error {
	_, err := s.Decode(data)
	return err
}

func (s *noteSerializer) Migrate(data json.RawMessage, from int) (json.RawMessage, error) {
	return s.chain.Migrate(data, from)
}

func (*noteSerializer) Decode(data json.RawMessage) (notePayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p notePayload
	if err := dec.Decode(&p); err != nil {
		return notePayload{}, err
	}
	if p.Title == "" || p.Tags == nil {
		return notePayload{}, errors.New("title and tags are required")
	}
	return p, nil
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) Warn(msg string, _ ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

type fixture struct {
	store  blob.Store
	svc    *Service[note, notePayload]
	logger *captureLogger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  blob.NewMemory(),
		logger: &captureLogger{},
		now:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	seq := 0
	svc, err := NewService[note, notePayload](f.store, newNoteSerializer(),
		WithLogger(f.logger),
		WithConcurrency(2),
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%02d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T, n note, trigger Trigger) string {
	t.Helper()
	key, err := f.svc.CreateSnapshot(context.Background(), n, "bakery-1", "n1", n.Title, trigger, nil)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	return key
}

func (f *fixture) putRecord(t *testing.T, version int, createdAt time.Time, id, data string) string {
	t.Helper()
	md := Metadata{
		ID: id, SchemaVersion: version, EntityType: "note", EntityID: "n1",
		ScopeID: "bakery-1", CreatedAt: createdAt, Trigger: TriggerSave,
	}
	body, err := json.Marshal(Record{Metadata: md, Data: json.RawMessage(data)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	key := Key{ScopeID: "bakery-1", EntityType: "note", EntityID: "n1", CreatedAt: createdAt, SchemaVersion: version, ID: id}.String()
	if _, err := f.store.Put(context.Background(), key, bytes.NewReader(body), blob.PutOptions{Metadata: tagsFor(md)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	return key
}

func TestCreateAndReadBack(t *testing.T) {
	f := newFixture(t)
	actor := "baker@example.com"
	key, err := f.svc.CreateSnapshot(context.Background(), note{Title: "Levain", Body: "feed at 8"}, "bakery-1", "n1", "Levain & Co", TriggerSave, &actor)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	info, err := f.store.Head(context.Background(), key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.ContentType != "application/json" || info.Metadata[TagTrigger] != "SAVE" || info.Metadata[TagVersion] != "3" {
		t.Fatalf("unexpected object info %+v", info)
	}
	snap, err := f.svc.GetSnapshotByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSnapshotByKey: %v", err)
	}
	if snap.Payload.Title != "Levain" || snap.Metadata.ID != "id-01" || snap.Metadata.Actor == nil || *snap.Metadata.Actor != actor {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.Metadata.CreatedAt.Equal(f.now) || snap.Metadata.EntityName != "Levain & Co" {
		t.Fatalf("unexpected metadata %+v", snap.Metadata)
	}
}

func TestCreateSnapshotRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateSnapshot(ctx, note{Title: "x"}, "", "n1", "x", TriggerSave, nil); err == nil {
		t.Fatalf("expected scope error")
	}
	if _, err := f.svc.CreateSnapshot(ctx, note{Title: "x"}, "s", "n1", "x", Trigger("EDIT"), nil); err == nil {
		t.Fatalf("expected trigger error")
	}
}

func TestListNewestFirstWithLimitAndTrigger(t *testing.T) {
	f := newFixture(t)
	var keys []string
	for i, trig := range []Trigger{TriggerSave, TriggerComplete, TriggerSave, TriggerComplete} {
		keys = append(keys, f.create(t, note{Title: fmt.Sprintf("v%d", i)}, trig))
		f.now = f.now.Add(time.Minute)
	}
	ctx := context.Background()
	all, err := f.svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Key != keys[3] || all[3].Key != keys[0] {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].Trigger != "" {
		t.Fatalf("unfiltered listing should not read tags: %+v", all[0])
	}
	limited, _ := f.svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{Limit: 2})
	if len(limited) != 2 || limited[1].Key != keys[2] {
		t.Fatalf("unexpected limited listing %+v", limited)
	}
	saves, err := f.svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{Trigger: TriggerSave, Limit: 1})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(saves) != 1 || saves[0].Key != keys[2] || saves[0].Trigger != TriggerSave || saves[0].EntityName != "v2" {
		t.Fatalf("unexpected filtered listing %+v", saves)
	}
	if _, err := f.svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{Trigger: "EDIT"}); err == nil {
		t.Fatalf("expected unknown trigger error")
	}
	if _, err := f.svc.CreateSnapshot(ctx, note{Title: "other"}, "bakery-1", "n10", "other", TriggerSave, nil); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	again, _ := f.svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{})
	if len(again) != 4 {
		t.Fatalf("snapshots of n10 leaked into n1 listing: %+v", again)
	}
}

func TestListSkipsUnparsableKeys(t *testing.T) {
	f := newFixture(t)
	f.create(t, note{Title: "a"}, TriggerSave)
	stray := EntityPrefix("bakery-1", "note", "n1") + "README.txt"
	if _, err := f.store.Put(context.Background(), stray, strings.NewReader("hi"), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := f.svc.ListSnapshots(context.Background(), "bakery-1", "n1", ListOptions{})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one snapshot, got %+v %v", got, err)
	}
	if len(f.logger.msgs) != 1 {
		t.Fatalf("expected a warning for the stray key, got %v", f.logger.msgs)
	}
}

func TestLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.GetLatestSnapshot(ctx, "bakery-1", "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	f.create(t, note{Title: "first"}, TriggerSave)
	f.now = f.now.Add(time.Second)
	want := f.create(t, note{Title: "second"}, TriggerSave)
	snap, err := f.svc.GetLatestSnapshot(ctx, "bakery-1", "n1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if snap.Key != want || snap.Payload.Title != "second" {
		t.Fatalf("unexpected latest %+v", snap)
	}
}

func TestLatestSnapshotWithSharedTimestamp(t *testing.T) {
	store := blob.NewMemory()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, err := NewService[note, notePayload](store, newNoteSerializer(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	var keys []string
	for i := 0; i < 5; i++ {
		key, err := svc.CreateSnapshot(ctx, note{Title: fmt.Sprintf("rev-%d", i)}, "bakery-1", "n1", "rev", TriggerSave, nil)
		if err != nil {
			t.Fatalf("CreateSnapshot: %v", err)
		}
		keys = append(keys, key)
	}
	latest, err := svc.GetLatestSnapshot(ctx, "bakery-1", "n1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Key != keys[4] || latest.Payload.Title != "rev-4" {
		t.Fatalf("expected last write to be latest, got %s", latest.Key)
	}
	summaries, err := svc.ListSnapshots(ctx, "bakery-1", "n1", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, s := range summaries {
		if s.Key != keys[len(keys)-1-i] {
			t.Fatalf("position %d: expected %s, got %s", i, keys[len(keys)-1-i], s.Key)
		}
	}
}

func TestOldSnapshotsAreMigratedOnRead(t *testing.T) {
	f := newFixture(t)
	key := f.putRecord(t, 1, f.now, "legacy", `{"text":"Rye\nsoak overnight"}`)
	snap, err := f.svc.GetSnapshotByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSnapshotByKey: %v", err)
	}
	if snap.Payload.Title != "Rye" || snap.Payload.Body != "soak overnight" || snap.Payload.Tags == nil {
		t.Fatalf("unexpected migrated payload %+v", snap.Payload)
	}
	if snap.Metadata.SchemaVersion != 1 {
		t.Fatalf("metadata should keep the recorded version, got %d", snap.Metadata.SchemaVersion)
	}
}

func TestUnreadableSnapshotsAreUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]string{
		"invalid": f.putRecord(t, 3, f.now, "bad", `{"title":"","tags":[]}`),
		"future":  f.putRecord(t, 4, f.now.Add(time.Second), "future", `{"title":"x","tags":[]}`),
	}
	for name, key := range cases {
		if _, err := f.svc.GetSnapshotByKey(ctx, key); !errors.Is(err, ErrSnapshotUnavailable) {
			t.Fatalf("%s: expected unavailable, got %v", name, err)
		}
	}
	if len(f.logger.msgs) != 2 {
		t.Fatalf("expected two warnings, got %v", f.logger.msgs)
	}
	if _, err := f.svc.GetSnapshotByKey(ctx, cases["future"]); !errors.Is(err, ErrUnknownSchemaVersion) {
		t.Fatalf("expected migration cause to be wrapped, got %v", err)
	}
}

func TestGetSnapshotByKeyErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.GetSnapshotByKey(ctx, "not-a-key"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	recipeKey := Key{ScopeID: "bakery-1", EntityType: "recipe", EntityID: "r1", CreatedAt: f.now, SchemaVersion: 1, ID: "x"}.String()
	if _, err := f.svc.GetSnapshotByKey(ctx, recipeKey); !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected entity type mismatch, got %v", err)
	}
	missing := Key{ScopeID: "bakery-1", EntityType: "note", EntityID: "n1", CreatedAt: f.now, SchemaVersion: 3, ID: "gone"}.String()
	if _, err := f.svc.GetSnapshotByKey(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompareSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.create(t, note{Title: "Focaccia", Body: "70% hydration"}, TriggerSave)
	f.now = f.now.Add(2*time.Hour + 10*time.Minute)
	newer := f.create(t, note{Title: "Focaccia", Body: "75% hydration"}, TriggerSave)

	diff, err := f.svc.CompareSnapshots(ctx, older, newer)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].Path != "body" || len(diff.Added)+len(diff.Removed) != 0 {
		t.Fatalf("unexpected diff %+v", diff)
	}
	if diff.TimeDelta != "2 hours" || diff.Elapsed != 2*time.Hour+10*time.Minute {
		t.Fatalf("unexpected delta %q %v", diff.TimeDelta, diff.Elapsed)
	}

	same, err := f.svc.CompareSnapshots(ctx, newer, newer)
	if err != nil || !same.Empty() || same.TimeDelta != "0 seconds" {
		t.Fatalf("expected empty diff for identical keys, got %+v %v", same, err)
	}

	legacy := f.putRecord(t, 1, f.now.Add(-time.Hour), "legacy", `{"text":"Focaccia\n75% hydration"}`)
	migrated, err := f.svc.CompareSnapshots(ctx, legacy, newer)
	if err != nil || !migrated.Empty() {
		t.Fatalf("expected migrated payload to match, got %+v %v", migrated, err)
	}
}
