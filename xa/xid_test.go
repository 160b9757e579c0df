package xa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXidKeyEquality(t *testing.T) {
	a := NewXidKey(1, []byte("gtrid-1"), []byte("bqual-1"))
	b := NewXidKey(1, []byte("gtrid-1"), []byte("bqual-1"))
	c := NewXidKey(1, []byte("gtrid-2"), []byte("bqual-1"))

	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a, c)
}

func TestXidKeyAsMapKey(t *testing.T) {
	m := map[XidKey]string{}
	k1 := NewXidKey(1, []byte("g"), []byte("b"))
	m[k1] = "first"

	k2 := NewXidKey(1, []byte("g"), []byte("b"))
	v, ok := m[k2]
	assert.True(t, ok)
	assert.Equal(t, "first", v)
}
