// Package snapshot freezes fully resolved computations (recipe costings,
// completed production runs) as immutable, schema-versioned records in
// object storage, and reads them back with migration and structural diffs.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports that an entity has no snapshots or a key is absent.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrInvalidKey reports a key that does not follow the snapshot key scheme.
	ErrInvalidKey = errors.New("snapshot: invalid key")
	// ErrUnknownEntityType reports an entity type without a registered codec.
	ErrUnknownEntityType = errors.New("snapshot: unknown entity type")
	// ErrUnknownSchemaVersion reports a payload version the migration chain cannot handle.
	ErrUnknownSchemaVersion = errors.New("snapshot: unknown schema version")
	// ErrSnapshotUnavailable reports a stored payload that failed validation
	// and could not be migrated into a valid one.
	ErrSnapshotUnavailable = errors.New("snapshot: unavailable")
)

// Trigger records why a snapshot was taken.
type Trigger string

const (
	// TriggerSave is written when an entity is saved.
	TriggerSave Trigger = "SAVE"
	// TriggerComplete is written when a workflow (production run) completes.
	TriggerComplete Trigger = "COMPLETE"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool { return t == TriggerSave || t == TriggerComplete }

// Metadata describes one snapshot.
type Metadata struct {
	ID            string    `json:"id"`
	SchemaVersion int       `json:"schema_version"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	EntityName    string    `json:"entity_name"`
	ScopeID       string    `json:"scope_id"`
	CreatedAt     time.Time `json:"created_at"`
	Trigger       Trigger   `json:"trigger"`
	Actor         *string   `json:"actor,omitempty"`
}

// Record is the stored unit: metadata plus the serialized entity.
type Record struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// Summary is the cheap listing view. Fields parsed from the key are always
// set; Trigger and EntityName are only filled when object tags were fetched.
type Summary struct {
	Key           string    `json:"key"`
	ID            string    `json:"id"`
	ScopeID       string    `json:"scope_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
	Trigger       Trigger   `json:"trigger,omitempty"`
	EntityName    string    `json:"entity_name,omitempty"`
}

func summaryFromKey(raw string, k Key) Summary {
	return Summary{
		Key:           raw,
		ID:            k.ID,
		ScopeID:       k.ScopeID,
		EntityType:    k.EntityType,
		EntityID:      k.EntityID,
		CreatedAt:     k.CreatedAt,
		SchemaVersion: k.SchemaVersion,
	}
}

// ListOptions narrows ListSnapshots. A zero Limit returns everything.
type ListOptions struct {
	Limit   int
	Trigger Trigger
}

// Change is one modified leaf in a Diff.
type Change struct {
	Path string `json:"path"`
	Old  any    `json:"old"`
	New  any    `json:"new"`
}

// Diff is the structural difference between two snapshot payloads.
type Diff struct {
	OlderKey  string        `json:"older_key"`
	NewerKey  string        `json:"newer_key"`
	Added     []string      `json:"added"`
	Removed   []string      `json:"removed"`
	Modified  []Change      `json:"modified"`
	Elapsed   time.Duration `json:"elapsed"`
	TimeDelta string        `json:"time_delta"`
}

// Empty reports whether the payloads are structurally identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// HumanizeDelta renders d in its largest whole unit: days, hours, minutes or
// seconds. Negative durations are rendered by magnitude.
func HumanizeDelta(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d >= 24*time.Hour:
		return plural(int64(d/(24*time.Hour)), "day")
	case d >= time.Hour:
		return plural(int64(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int64(d/time.Minute), "minute")
	default:
		return plural(int64(d/time.Second), "second")
	}
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
