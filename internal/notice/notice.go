// Package notice builds the attribution payloads injected into every
// response the proxy writes.
package notice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Field names of the notice keys. These are an external contract surface:
// callers key off them, so they never change within a deployment.
const (
	readmeKey  = "_readme"
	authorsKey = "_authors"
)

// examplePath is the sub-path joined with the request origin in the root
// metadata response.
const examplePath = "/1/config"

// Notice is the process-wide attribution value. It is immutable after
// construction and safe for unsynchronized concurrent reads.
type Notice struct {
	readme  string
	authors string
}

// New creates a Notice from the configured readme and authors strings.
func New(readme, authors string) *Notice {
	return &Notice{readme: readme, authors: authors}
}

// RootPayload returns the metadata object served for the root path.
// origin is the scheme://host the client used to reach the proxy.
func (n *Notice) RootPayload(origin string) map[string]string {
	return map[string]string{
		readmeKey:  n.readme,
		authorsKey: n.authors,
		"example":  strings.TrimSuffix(origin, "/") + examplePath,
	}
}

// ErrorPayload returns the structured error envelope for a failed request.
// The status code is duplicated into the body so callers parsing only the
// JSON still see it.
func (n *Notice) ErrorPayload(statusCode int, message, comment string) map[string]any {
	return map[string]any{
		readmeKey:  n.readme,
		authorsKey: n.authors,
		"error": map[string]any{
			"_comment":    comment,
			"message":     message,
			"status_code": statusCode,
		},
	}
}

// MergeJSON injects the notice keys as the leading fields of a JSON object
// body. Non-object JSON (arrays, scalars, null) has no top level to merge
// into and is returned unchanged. A body that does not parse at all yields
// an error so the caller can surface it instead of relaying garbage.
//
// If the upstream object already carries a notice key, the notice value
// wins: the upstream key is dropped before the merged object is written.
// Remaining upstream keys are emitted in sorted order so identical upstream
// responses always produce identical merged bodies.
func (n *Notice) MergeJSON(body []byte) ([]byte, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("parse upstream body: %w", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse upstream object: %w", err)
	}
	delete(fields, readmeKey)
	delete(fields, authorsKey)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteByte('{')
	writePair(&buf, readmeKey, n.readme)
	buf.WriteByte(',')
	writePair(&buf, authorsKey, n.authors)
	for _, k := range keys {
		buf.WriteByte(',')
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

func writePair(buf *strings.Builder, key, val string) {
	kb, _ := json.Marshal(key)
	vb, _ := json.Marshal(val)
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
}
