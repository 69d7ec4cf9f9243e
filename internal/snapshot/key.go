package snapshot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	keyRoot   = "snapshots"
	keyExt    = ".json"
	keySep    = "--"
	tsLayout  = "2006-01-02T15:04:05.000000000Z"
	tsColon   = ":"
	tsSafe    = "_"
	verPrefix = "v"
)

// Key is the parsed form of a snapshot object key:
//
//	snapshots/<scope>/<entity type>/<entity id>/<timestamp>--v<version>--<id>.json
//
// Path segments are escaped; colons in the timestamp are stored as
// underscores so every backend accepts the key.
type Key struct {
	ScopeID       string
	EntityType    string
	EntityID      string
	CreatedAt     time.Time
	SchemaVersion int
	ID            string
}

// String renders the object key.
func (k Key) String() string {
	ts := strings.ReplaceAll(k.CreatedAt.UTC().Format(tsLayout), tsColon, tsSafe)
	name := ts + keySep + verPrefix + strconv.Itoa(k.SchemaVersion) + keySep + k.ID + keyExt
	return EntityPrefix(k.ScopeID, k.EntityType, k.EntityID) + name
}

// EntityPrefix is the listing prefix for every snapshot of one entity.
func EntityPrefix(scopeID, entityType, entityID string) string {
	return strings.Join([]string{keyRoot, escape(scopeID), escape(entityType), escape(entityID)}, "/") + "/"
}

// ParseKey reverses Key.String.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 5 || parts[0] != keyRoot {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	var k Key
	var err error
	if k.ScopeID, err = unescape(parts[1]); err != nil {
		return Key{}, fmt.Errorf("%w: scope: %v", ErrInvalidKey, err)
	}
	if k.EntityType, err = unescape(parts[2]); err != nil {
		return Key{}, fmt.Errorf("%w: entity type: %v", ErrInvalidKey, err)
	}
	if k.EntityID, err = unescape(parts[3]); err != nil {
		return Key{}, fmt.Errorf("%w: entity id: %v", ErrInvalidKey, err)
	}
	name, ok := strings.CutSuffix(parts[4], keyExt)
	if !ok {
		return Key{}, fmt.Errorf("%w: missing %s suffix in %q", ErrInvalidKey, keyExt, raw)
	}
	fields := strings.Split(name, keySep)
	if len(fields) != 3 || !strings.HasPrefix(fields[1], verPrefix) || fields[2] == "" {
		return Key{}, fmt.Errorf("%w: malformed name %q", ErrInvalidKey, parts[4])
	}
	k.CreatedAt, err = time.Parse(tsLayout, strings.ReplaceAll(fields[0], tsSafe, tsColon))
	if err != nil {
		return Key{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidKey, err)
	}
	k.SchemaVersion, err = strconv.Atoi(strings.TrimPrefix(fields[1], verPrefix))
	if err != nil || k.SchemaVersion < 1 {
		return Key{}, fmt.Errorf("%w: schema version %q", ErrInvalidKey, fields[1])
	}
	k.ID = fields[2]
	return k, nil
}

// escape makes a value safe as a single path segment. Dots are escaped too
// so a segment can never read as a relative path.
func escape(v string) string {
	return strings.ReplaceAll(url.PathEscape(v), ".", "%2E")
}

func unescape(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("empty segment")
	}
	return url.PathUnescape(v)
}
