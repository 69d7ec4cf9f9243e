package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// DiffPayloads walks two JSON documents and reports paths only in newer
// (added), only in older (removed), and leaves whose values differ
// (modified). Object fields use dot notation and array elements use
// bracket indexes, e.g. sections[0].lines[2].quantity.
func DiffPayloads(older, newer json.RawMessage) (added, removed []string, modified []Change, err error) {
	a, err := decodeAny(older)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode older payload: %w", err)
	}
	b, err := decodeAny(newer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode newer payload: %w", err)
	}
	w := &walker{added: []string{}, removed: []string{}, modified: []Change{}}
	w.walk("", a, b)
	return w.added, w.removed, w.modified, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

type walker struct {
	added    []string
	removed  []string
	modified []Change
}

func (w *walker) walk(path string, older, newer any) {
	switch o := older.(type) {
	case map[string]any:
		n, ok := newer.(map[string]any)
		if !ok {
			w.modified = append(w.modified, Change{Path: rootPath(path), Old: older, New: newer})
			return
		}
		for _, k := range unionKeys(o, n) {
			ov, inOld := o[k]
			nv, inNew := n[k]
			child := fieldPath(path, k)
			switch {
			case !inNew:
				w.removed = append(w.removed, child)
			case !inOld:
				w.added = append(w.added, child)
			default:
				w.walk(child, ov, nv)
			}
		}
	case []any:
		n, ok := newer.([]any)
		if !ok {
			w.modified = append(w.modified, Change{Path: rootPath(path), Old: older, New: newer})
			return
		}
		for i := 0; i < len(o) || i < len(n); i++ {
			child := path + "[" + strconv.Itoa(i) + "]"
			switch {
			case i >= len(n):
				w.removed = append(w.removed, child)
			case i >= len(o):
				w.added = append(w.added, child)
			default:
				w.walk(child, o[i], n[i])
			}
		}
	default:
		switch newer.(type) {
		case map[string]any, []any:
			w.modified = append(w.modified, Change{Path: rootPath(path), Old: older, New: newer})
			return
		}
		if !primitiveEqual(older, newer) {
			w.modified = append(w.modified, Change{Path: rootPath(path), Old: older, New: newer})
		}
	}
}

func primitiveEqual(a, b any) bool {
	an, aNum := a.(json.Number)
	bn, bNum := b.(json.Number)
	if aNum && bNum {
		if an == bn {
			return true
		}
		af, errA := an.Float64()
		bf, errB := bn.Float64()
		return errA == nil && errB == nil && af == bf
	}
	return a == b
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func fieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func rootPath(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
