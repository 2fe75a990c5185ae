// Package distsync mirrors key records to a shared cache and keeps multiple
// gateway instances loosely consistent via pub/sub invalidation. Credits are
// the exception: the server-side atomic script is their linearization point.
package distsync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/paygate/paygate/internal/keystore"
)

// A record is stored as a string-keyed hash: scalar fields as plain strings,
// arrays and objects as JSON-encoded string fields. Unknown fields survive
// the round-trip so mixed-version fleets do not shed data.

// hashStringFields are fields whose hash value is a bare (unquoted) string.
// Everything else is stored as its JSON text.
var hashStringFields = map[string]bool{
	"key": true, "name": true, "alias": true, "namespace": true,
	"createdAt": true, "lastUsedAt": true, "expiresAt": true,
	"quotaLastResetDay": true, "quotaLastResetMonth": true,
	"autoTopupLastResetDay": true, "group": true,
}

// recordToHash flattens a record into cache hash fields.
func recordToHash(rec *keystore.ApiKeyRecord) (map[string]string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for name, raw := range fields {
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			out[name] = s
			continue
		}
		out[name] = string(raw)
	}
	return out, nil
}

// hashToRecord rebuilds a record from cache hash fields.
func hashToRecord(fields map[string]string) (*keystore.ApiKeyRecord, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty hash")
	}
	obj := make(map[string]json.RawMessage, len(fields))
	for name, val := range fields {
		if hashStringFields[name] {
			quoted, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			obj[name] = quoted
			continue
		}
		if json.Valid([]byte(val)) {
			obj[name] = json.RawMessage(val)
			continue
		}
		// non-JSON value from an unknown field: keep it as a string
		quoted, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		obj[name] = quoted
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var rec keystore.ApiKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record hash: %w", err)
	}
	if rec.Key == "" {
		return nil, fmt.Errorf("record hash missing key")
	}
	return &rec, nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
