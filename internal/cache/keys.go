// Package cache implements the two-tier read/write cache: a bounded
// in-process LRU in front of Redis, with deterministic key construction,
// pattern invalidation, and single-flight read-through.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// hashDigestLen is the number of hex characters kept from the SHA-256
// digest when folding unbounded params into a key.
const hashDigestLen = 12

// Key builds a cache key of the form namespace:id[:k=v...]. Params are
// sorted by name so the same inputs always produce the same key. Every
// segment is sanitized so the result is safe to use in Redis SCAN
// patterns.
func Key(namespace, id string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(sanitizeSegment(namespace))
	b.WriteByte(':')
	b.WriteString(sanitizeSegment(id))
	for _, kv := range sortedParams(params) {
		b.WriteByte(':')
		b.WriteString(kv)
	}
	return b.String()
}

// KeyWithHash builds namespace:id:h=<digest> where the digest folds the
// sorted params through SHA-256. Use it when param cardinality is
// unbounded and raw keys would grow without limit.
func KeyWithHash(namespace, id string, params map[string]string) string {
	sum := sha256.Sum256([]byte(strings.Join(sortedParams(params), ":")))
	digest := hex.EncodeToString(sum[:])[:hashDigestLen]
	return sanitizeSegment(namespace) + ":" + sanitizeSegment(id) + ":h=" + digest
}

// Namespace returns the first key segment, used to attribute hit/miss
// stats and TTL policy.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// NamespacePattern returns the glob matching every key in a namespace.
func NamespacePattern(namespace string) string {
	return sanitizeSegment(namespace) + ":*"
}

func sortedParams(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, sanitizeSegment(name)+"="+sanitizeSegment(params[name]))
	}
	return out
}

// sanitizeSegment rewrites anything outside [A-Za-z0-9_.-] to '_'.
// Rewriting glob metacharacters keeps user-supplied identifiers from
// matching unrelated keys during pattern invalidation.
func sanitizeSegment(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		safe := c >= 'a' && c <= 'z' ||
			c >= 'A' && c <= 'Z' ||
			c >= '0' && c <= '9' ||
			c == '_' || c == '.' || c == '-'
		if safe {
			if b != nil {
				b = append(b, c)
			}
			continue
		}
		if b == nil {
			b = make([]byte, i, len(s))
			copy(b, s[:i])
		}
		b = append(b, '_')
	}
	if b == nil {
		return s
	}
	return string(b)
}
