package snapshot

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestKeyRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("CEST", 2*3600))
	k := Key{
		ScopeID:       "acme/north.bakery",
		EntityType:    "recipe",
		EntityID:      "r 1",
		CreatedAt:     created,
		SchemaVersion: 2,
		ID:            "4f1c",
	}
	raw := k.String()
	if strings.Contains(raw, ":") || strings.Contains(raw, "..") {
		t.Fatalf("key contains unsafe characters: %s", raw)
	}
	want := "snapshots/acme%2Fnorth%2Ebakery/recipe/r%201/2024-05-06T05_08_09.123456789Z--v2--4f1c.json"
	if raw != want {
		t.Fatalf("unexpected key\n got %s\nwant %s", raw, want)
	}
	if !strings.HasPrefix(raw, EntityPrefix(k.ScopeID, k.EntityType, k.EntityID)) {
		t.Fatalf("key %s does not start with entity prefix", raw)
	}
	parsed, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed.ScopeID != k.ScopeID || parsed.EntityType != k.EntityType || parsed.EntityID != k.EntityID ||
		parsed.SchemaVersion != 2 || parsed.ID != "4f1c" || !parsed.CreatedAt.Equal(created) {
		t.Fatalf("unexpected parsed key %+v", parsed)
	}
}

func TestKeysSortChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 59, 59, 999999999, time.UTC)
	earlier := Key{ScopeID: "s", EntityType: "recipe", EntityID: "r", CreatedAt: base, SchemaVersion: 1, ID: "b"}.String()
	later := Key{ScopeID: "s", EntityType: "recipe", EntityID: "r", CreatedAt: base.Add(time.Nanosecond), SchemaVersion: 1, ID: "a"}.String()
	if !(earlier < later) {
		t.Fatalf("expected lexical order to follow time: %s vs %s", earlier, later)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"other/s/recipe/r/2024-01-01T00_00_00.000000000Z--v1--x.json",
		"snapshots/s/recipe/2024-01-01T00_00_00.000000000Z--v1--x.json",
		"snapshots/s/recipe/r/2024-01-01T00_00_00.000000000Z--v1--x.txt",
		"snapshots/s/recipe/r/2024-01-01T00_00_00.000000000Z--1--x.json",
		"snapshots/s/recipe/r/2024-01-01T00_00_00.000000000Z--v0--x.json",
		"snapshots/s/recipe/r/yesterday--v1--x.json",
		"snapshots/s/recipe/r/2024-01-01T00_00_00.000000000Z--v1--.json",
		"snapshots//recipe/r/2024-01-01T00_00_00.000000000Z--v1--x.json",
		"snapshots/s/recipe/r/extra/2024-01-01T00_00_00.000000000Z--v1--x.json",
	}
	for _, raw := range cases {
		if _, err := ParseKey(raw); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", raw, err)
		}
	}
}
