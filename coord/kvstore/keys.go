package kvstore

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/c360studio/regwatch/coord"
)

// Node paths map to KV keys one segment per token: each segment is encoded
// with unpadded base64url, whose alphabet is a subset of the valid key
// characters, and tokens are joined with ".". The root has no key.
var segmentEncoding = base64.RawURLEncoding

// pathKey returns the key of a clean, non-root path.
func pathKey(p string) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segments {
		segments[i] = segmentEncoding.EncodeToString([]byte(s))
	}
	return strings.Join(segments, ".")
}

// childFilter returns the subject filter matching the direct children of p.
func childFilter(p string) string {
	if p == "/" {
		return "*"
	}
	return pathKey(p) + ".*"
}

// keyName decodes the last token of key, which is the node name.
func keyName(key string) (string, error) {
	token := key
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		token = key[i+1:]
	}
	name, err := segmentEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode key %q: %w", key, err)
	}
	return string(name), nil
}

// keyPath decodes a full key back into its node path.
func keyPath(key string) (string, error) {
	tokens := strings.Split(key, ".")
	var b strings.Builder
	for _, t := range tokens {
		name, err := segmentEncoding.DecodeString(t)
		if err != nil {
			return "", fmt.Errorf("decode key %q: %w", key, err)
		}
		b.WriteByte('/')
		b.Write(name)
	}
	return coord.CleanPath(b.String())
}
