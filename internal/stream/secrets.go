package stream

import (
	"sort"
	"strings"
)

// SecretPlaceholder replaces registered secret values in event payloads.
const SecretPlaceholder = "<secret_hidden>"

// protectedFields are top-level dict keys that are never scrubbed; they
// identify the event rather than carry payload.
var protectedFields = map[string]bool{
	"id":          true,
	"timestamp":   true,
	"source":      true,
	"cause":       true,
	"action":      true,
	"observation": true,
	"message":     true,
}

// secretValues returns the non-empty values, longest first, so a secret
// that contains another is replaced whole.
func secretValues(secrets map[string]string) []string {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})
	return values
}

// scrubDict replaces secrets in every string below the top-level payload
// keys of an event dict. It modifies d in place.
func scrubDict(d map[string]interface{}, secrets []string) {
	if len(secrets) == 0 {
		return
	}
	for k, v := range d {
		if protectedFields[k] {
			continue
		}
		d[k] = scrubValue(v, secrets)
	}
}

func scrubValue(v interface{}, secrets []string) interface{} {
	switch t := v.(type) {
	case string:
		return scrubString(t, secrets)
	case map[string]interface{}:
		for k, inner := range t {
			t[k] = scrubValue(inner, secrets)
		}
		return t
	case []interface{}:
		for i, inner := range t {
			t[i] = scrubValue(inner, secrets)
		}
		return t
	default:
		return v
	}
}

func scrubString(s string, secrets []string) string {
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, SecretPlaceholder)
		}
	}
	return s
}
