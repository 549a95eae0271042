package persistence

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Set is a de-duplicated, sorted list of strings. Two sets with the same
// members are equal regardless of the order they were built from.
type Set []string

// NewSet builds a Set from items, dropping duplicates.
func NewSet(items ...string) Set {
	if len(items) == 0 {
		return Set{}
	}
	out := make(Set, len(items))
	copy(out, items)
	sort.Strings(out)
	return Set(slices.Compact(out))
}

// Has reports whether item is a member.
func (s Set) Has(item string) bool {
	_, ok := slices.BinarySearch(s, item)
	return ok
}

// Union returns s ∪ other.
func (s Set) Union(other Set) Set {
	merged := make([]string, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewSet(merged...)
}

// Intersect returns s ∩ other.
func (s Set) Intersect(other Set) Set {
	out := Set{}
	for _, v := range s {
		if other.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Minus returns s \ other.
func (s Set) Minus(other Set) Set {
	out := Set{}
	for _, v := range s {
		if !other.Has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Equal reports set equality.
func (s Set) Equal(other Set) bool {
	return slices.Equal(NewSet(s...), NewSet(other...))
}

// Slice returns the members as a plain slice, never nil.
func (s Set) Slice() []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}

func encodeSet(s Set) string {
	b, _ := json.Marshal(NewSet(s...).Slice())
	return string(b)
}

func decodeSet(raw string) (Set, error) {
	if raw == "" {
		return Set{}, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode set: %w", err)
	}
	return NewSet(items...), nil
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(raw string) (map[string]any, error) {
	m := map[string]any{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
