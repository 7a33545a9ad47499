package utils

import (
	"fmt"
	"sort"
)

// Cloner is implemented by values that can produce a detached deep copy.
type Cloner[T any] interface {
	Clone() T
}

// LookupClone returns a clone of the value at key in m.
// Returns an error if the key is absent.
// The caller receives a detached value, safe to use after any lock is released.
func LookupClone[T Cloner[T]](m map[string]T, key string) (T, error) {
	v, ok := m[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%q not found", key)
	}
	return v.Clone(), nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
