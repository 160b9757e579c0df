// Package xa implements the identifiers and branch state machine used by
// the server's XA Transaction Registry (spec.md §4.7) and by the pool
// providers' XA resources. The client façade does not import it; it
// defines its own wire-shaped Xid (client/xa.go).
package xa

import (
	"encoding/base64"
	"hash/fnv"
)

// Xid is the wire-shaped XA transaction identifier: {formatId, gtrid, bqual}
// (spec.md §3 "XidKey", §6 "XidProto").
type Xid struct {
	FormatID int32
	Gtrid    []byte
	Bqual    []byte
}

// Key derives the immutable, hashable XidKey used to index branch state.
func (x Xid) Key() XidKey {
	return NewXidKey(x.FormatID, x.Gtrid, x.Bqual)
}

// XidKey is an immutable value type suitable as a map key: Go slices aren't
// comparable, so Gtrid/Bqual are stored as strings (which are) and a
// precomputed hash is cached purely as a fast-path equality hint — equality
// itself is always by value, never by hash alone.
type XidKey struct {
	FormatID int32
	Gtrid    string
	Bqual    string
	hash     uint64
}

// NewXidKey builds a XidKey from raw XA identifier components.
func NewXidKey(formatID int32, gtrid, bqual []byte) XidKey {
	k := XidKey{FormatID: formatID, Gtrid: string(gtrid), Bqual: string(bqual)}
	k.hash = k.computeHash()
	return k
}

func (k XidKey) computeHash() uint64 {
	h := fnv.New64a()
	var buf [4]byte
	buf[0] = byte(k.FormatID)
	buf[1] = byte(k.FormatID >> 8)
	buf[2] = byte(k.FormatID >> 16)
	buf[3] = byte(k.FormatID >> 24)
	h.Write(buf[:])
	h.Write([]byte(k.Gtrid))
	h.Write([]byte(k.Bqual))
	return h.Sum64()
}

// Hash returns the precomputed hash. Two equal XidKeys always share a hash;
// the converse is not guaranteed (hash collisions are possible), so Hash is
// only ever used for sharding/bucketing, never for equality itself.
func (k XidKey) Hash() uint64 { return k.hash }

// String renders a log-friendly "gtrid:bqual:formatID" form, with gtrid and
// bqual base64-encoded since they are arbitrary binary data. It is not an
// XA SQL literal; mysqlxa builds those itself (xidSQL).
func (k XidKey) String() string {
	g := base64.StdEncoding.EncodeToString([]byte(k.Gtrid))
	b := base64.StdEncoding.EncodeToString([]byte(k.Bqual))
	return g + ":" + b + ":" + itoa(k.FormatID)
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
