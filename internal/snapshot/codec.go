package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec is the type-independent half of a serializer: everything needed to
// read a stored payload back in the current schema.
type Codec interface {
	EntityType() string
	CurrentVersion() int
	// Validate checks that data is a structurally valid current-version payload.
	Validate(data json.RawMessage) error
	// Migrate upgrades data from fromVersion to CurrentVersion. Data already at
	// the current version is returned unchanged.
	Migrate(data json.RawMessage, fromVersion int) (json.RawMessage, error)
}

// Serializer binds a Codec to a live entity type T and the frozen payload
// type P it is stored as.
type Serializer[T, P any] interface {
	Codec
	Serialize(entity T) (json.RawMessage, error)
	Decode(data json.RawMessage) (P, error)
}

// MigrationStep upgrades a payload from version From to From+1.
type MigrationStep struct {
	From  int
	Apply func(json.RawMessage) (json.RawMessage, error)
}

// MigrationChain applies ordered single-version steps until the current
// version is reached.
type MigrationChain struct {
	current int
	steps   map[int]MigrationStep
}

// NewMigrationChain builds a chain targeting current. Every version below
// current needs a step; a gap or duplicate is a programming error and panics.
func NewMigrationChain(current int, steps ...MigrationStep) MigrationChain {
	c := MigrationChain{current: current, steps: make(map[int]MigrationStep, len(steps))}
	for _, s := range steps {
		if s.From < 1 || s.From >= current {
			panic(fmt.Sprintf("snapshot: migration step from v%d outside 1..%d", s.From, current-1))
		}
		if _, dup := c.steps[s.From]; dup {
			panic(fmt.Sprintf("snapshot: duplicate migration step from v%d", s.From))
		}
		c.steps[s.From] = s
	}
	for v := 1; v < current; v++ {
		if _, ok := c.steps[v]; !ok {
			panic(fmt.Sprintf("snapshot: missing migration step from v%d", v))
		}
	}
	return c
}

// Current returns the target version.
func (c MigrationChain) Current() int { return c.current }

// Migrate runs every step from fromVersion up to the current version.
func (c MigrationChain) Migrate(data json.RawMessage, fromVersion int) (json.RawMessage, error) {
	if fromVersion < 1 || fromVersion > c.current {
		return nil, fmt.Errorf("%w: v%d (current v%d)", ErrUnknownSchemaVersion, fromVersion, c.current)
	}
	out := data
	for v := fromVersion; v < c.current; v++ {
		next, err := c.steps[v].Apply(out)
		if err != nil {
			return nil, fmt.Errorf("migrate v%d to v%d: %w", v, v+1, err)
		}
		out = next
	}
	return out, nil
}

// Registry maps entity types to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry pre-populated with codecs.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a codec; entity types are unique.
func (r *Registry) Register(c Codec) error {
	if c == nil || c.EntityType() == "" {
		return fmt.Errorf("snapshot: codec requires an entity type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[c.EntityType()]; exists {
		return fmt.Errorf("snapshot: codec for %s already registered", c.EntityType())
	}
	r.codecs[c.EntityType()] = c
	return nil
}

// Lookup returns the codec for entityType.
func (r *Registry) Lookup(entityType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return c, nil
}

// EntityTypes lists registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
