package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// poolAffectingProps lists the URL properties that change pool identity —
// the same client-visible URL with different values for one of these keys
// must land on a different connection hash (spec.md §3 "Connection hash").
var poolAffectingProps = map[string]bool{
	"maximumPoolSize":     true,
	"minimumIdle":         true,
	"connectionTimeoutMs": true,
	"idleTimeoutMs":       true,
	"maxLifetime":         true,
	"autoCommit":          true,
	"validationQuery":     true,
	"xa.maximumPoolSize":  true,
	"xa.minimumIdle":      true,
}

// ConnectionHash derives the stable, opaque key under which pools and
// allocations are indexed (spec.md §3): a SHA-256 digest of the
// client-visible URL, user, and the pool-config-affecting subset of
// properties, sorted for determinism.
func ConnectionHash(url, user string, props map[string]string) string {
	var keys []string
	for k := range props {
		if poolAffectingProps[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	b.WriteByte('|')
	b.WriteString(user)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
