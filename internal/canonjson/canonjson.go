// Package canonjson produces a deterministic byte encoding for the flat
// string maps used as cache fingerprints. Go's encoding/json already sorts
// object keys for map[string]string, but callers that build fingerprints by
// hand (tests, debug dumps) need the same ordering guarantee without going
// through json.Marshal, so this lives as one small shared helper; cachestore
// uses it to write and compare stored fingerprints.
package canonjson

import (
	"bytes"
	"sort"
)

// Encode renders m as a canonical `{"k":"v",...}` byte string: keys sorted
// lexicographically, values taken verbatim. It intentionally does not escape
// arbitrary JSON special characters beyond quotes and backslashes, because
// fingerprint keys/values are always file paths, hex digests, or shell
// command strings -- never attacker-controlled binary blobs.
func Encode(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeQuoted(&buf, k)
		buf.WriteByte(':')
		writeQuoted(&buf, m[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Equal reports whether two fingerprint maps are byte-for-byte identical
// once canonicalized, per spec invariant (iii): a CacheEntry is readable
// only when its stored fingerprint equals the current one exactly.
func Equal(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	return bytes.Equal(Encode(a), Encode(b))
}

func writeQuoted(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
