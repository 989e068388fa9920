/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The file implements payload canonicalization: stable JSON key ordering so
// the same logical request always produces byte-identical stored and
// uploaded representations.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON re-encodes raw with map keys sorted at every level. json.Marshal
// already sorts map[string]interface{} keys, but we decode with
// UseNumber to avoid float64 round-tripping through integers, and we
// reject payloads that aren't valid JSON objects/arrays up front so a
// malformed body fails fast at enqueue time instead of surfacing as a
// confusing upload-file corruption later.
func JSON(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: invalid JSON: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Line returns the canonical, newline-terminated UTF-8 line stored verbatim
// in the per-batch upload file.
func Line(canonicalJSON []byte) []byte {
	out := make([]byte, 0, len(canonicalJSON)+1)
	out = append(out, canonicalJSON...)
	out = append(out, '\n')
	return out
}

// RequestPayload is the exact shape stored as Request.RequestPayloadBytes
// and, verbatim, as one line of the provider upload file:
// custom_id/method/url wrapping the caller's body, with no delivery or
// internal fields ever mixed in.
type RequestPayload struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// BuildRequestPayload canonicalizes the caller's raw body and wraps it in
// the stored/uploaded record shape. The returned bytes are stored as-is in
// Request.RequestPayloadBytes; BatchFileStore.AppendLine appends Line(that)
// to the upload file.
func BuildRequestPayload(customID, endpoint string, rawBody []byte) ([]byte, error) {
	canonicalBody, err := JSON(rawBody)
	if err != nil {
		return nil, err
	}
	rec := RequestPayload{
		CustomID: customID,
		Method:   "POST",
		URL:      endpoint,
		Body:     canonicalBody,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	// re-run through JSON() so key ordering is canonical regardless of
	// struct field order, keeping BuildRequestPayload(x) == BuildRequestPayload(x)
	// byte-for-byte even if the struct gains fields later.
	return JSON(b)
}
