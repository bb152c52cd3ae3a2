// Package paramutil reads typed values out of loosely typed rollout inputs,
// as decoded from YAML or JSON.
package paramutil

import (
	"fmt"
	"time"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
)

// GetString returns the string at key. ok is false when the key is absent;
// a present value of another type is a ValidationError.
func GetString(input map[string]interface{}, key string) (value string, ok bool, err error) {
	raw, exists := input[key]
	if !exists {
		return "", false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", false, typeError(key, "a string", raw)
	}
	return s, true, nil
}

// GetStringSlice returns the list of strings at key, converting from
// []interface{} as produced by decoders.
func GetStringSlice(input map[string]interface{}, key string) ([]string, bool, error) {
	raw, exists := input[key]
	if !exists {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, true, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, lerrors.NewValidationError(fmt.Sprintf("'%s' must be a list of strings, found %T at index %d", key, item, i), nil)
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, false, typeError(key, "a list", raw)
	}
}

// GetBool returns the boolean at key.
func GetBool(input map[string]interface{}, key string) (bool, bool, error) {
	raw, exists := input[key]
	if !exists {
		return false, false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, false, typeError(key, "a boolean", raw)
	}
	return b, true, nil
}

// GetFloat returns the number at key as a float64. JSON decodes every
// number as float64 while YAML keeps integers as int, so both are accepted.
func GetFloat(input map[string]interface{}, key string) (float64, bool, error) {
	raw, exists := input[key]
	if !exists {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	default:
		return 0, false, typeError(key, "a number", raw)
	}
}

// GetDuration parses the Go duration string at key.
func GetDuration(input map[string]interface{}, key string) (time.Duration, bool, error) {
	s, ok, err := GetString(input, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, lerrors.NewValidationError(fmt.Sprintf("'%s' is not a valid duration", key), err)
	}
	if d < 0 {
		return 0, false, lerrors.NewValidationError(fmt.Sprintf("'%s' cannot be negative", key), nil)
	}
	return d, true, nil
}

// CheckExclusive fails when more than one of keys is present.
func CheckExclusive(input map[string]interface{}, keys ...string) error {
	var first string
	for _, key := range keys {
		if _, exists := input[key]; !exists {
			continue
		}
		if first != "" {
			return lerrors.NewValidationError(fmt.Sprintf("'%s' and '%s' are mutually exclusive", first, key), nil)
		}
		first = key
	}
	return nil
}

func typeError(key, want string, got interface{}) error {
	return lerrors.NewValidationError(fmt.Sprintf("'%s' must be %s, got %T", key, want, got), nil)
}
