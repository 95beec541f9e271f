package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode"
)

var errBodyTooLarge = errors.New("request body too large")

// validateBody reads a bounded JSON body, sanitizes every string value in
// it, and replaces r.Body with the sanitized document so downstream
// handlers never see the raw input. It returns the names of the fields it
// had to scrub. Requests without a JSON body pass through untouched.
func validateBody(r *http.Request, maxBytes int64) ([]string, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	var scrubbed []string
	cleaned, err := json.Marshal(sanitizeValue(doc, "", &scrubbed))
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(cleaned))
	r.ContentLength = int64(len(cleaned))
	return scrubbed, nil
}

// sanitizeValue walks a decoded JSON document and scrubs every string,
// including map keys, appending the dotted path of each altered field to
// scrubbed.
func sanitizeValue(v any, path string, scrubbed *[]string) any {
	switch val := v.(type) {
	case string:
		clean := sanitizeString(val)
		if clean != val {
			*scrubbed = append(*scrubbed, path)
		}
		return clean
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			key := sanitizeString(k)
			if key != k {
				*scrubbed = append(*scrubbed, fieldPath(path, k))
			}
			out[key] = sanitizeValue(inner, fieldPath(path, key), scrubbed)
		}
		return out
	case []any:
		for i := range val {
			val[i] = sanitizeValue(val[i], path, scrubbed)
		}
		return val
	default:
		return v
	}
}

func fieldPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// sanitizeString strips control characters that have no business in API
// payloads. Tabs and newlines survive; NUL and the rest do not.
func sanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
