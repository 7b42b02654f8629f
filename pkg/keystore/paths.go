package keystore

import "strings"

// splitKey splits a dotted key path into its root segment and the rest.
func splitKey(key string) (string, []string) {
	parts := strings.Split(key, ".")
	return parts[0], parts[1:]
}

func getPath(v any, path []string) (any, bool) {
	cur := v
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath returns v with val stored at path, creating intermediate maps.
// A non-map value in the way is replaced.
func setPath(v any, path []string, val any) any {
	if len(path) == 0 {
		return val
	}
	m, ok := v.(map[string]any)
	if !ok {
		m = make(map[string]any)
	} else {
		m = copyMap(m)
	}
	m[path[0]] = setPath(m[path[0]], path[1:], val)
	return m
}

// deletePath returns v without the value at path and whether anything changed.
func deletePath(v any, path []string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(path) == 0 {
		return v, false
	}
	child, ok := m[path[0]]
	if !ok {
		return v, false
	}
	out := copyMap(m)
	if len(path) == 1 {
		delete(out, path[0])
		return out, true
	}
	next, changed := deletePath(child, path[1:])
	if !changed {
		return v, false
	}
	out[path[0]] = next
	return out, true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// present mirrors the store's notion of existence: absent, null and the
// empty string do not count.
func present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}
