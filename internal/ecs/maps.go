package ecs

// GetOrCreate returns m[key], first storing newValue() there if the key
// is missing. m must be non-nil.
func GetOrCreate[K comparable, V any](m map[K]V, key K, newValue func() V) V {
	if v, ok := m[key]; ok {
		return v
	}
	v := newValue()
	m[key] = v
	return v
}
