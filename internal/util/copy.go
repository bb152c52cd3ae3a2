package util

// CopyMap returns a deep copy of a JSON-like map: nested map[string]interface{}
// and []interface{} values are copied, every other value is assumed to be
// immutable (strings, numbers, booleans, nil) and is shared.
// A nil map yields nil.
func CopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	cpy := make(map[string]interface{}, len(src))
	for k, v := range src {
		cpy[k] = CopyValue(v)
	}
	return cpy
}

// CopyValue deep copies a single JSON-like value.
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyMap(val)
	case []interface{}:
		cpy := make([]interface{}, len(val))
		for i, item := range val {
			cpy[i] = CopyValue(item)
		}
		return cpy
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// MergeMap copies every key of src into dst, allocating dst when nil, and
// returns dst.
func MergeMap(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = CopyValue(v)
	}
	return dst
}
