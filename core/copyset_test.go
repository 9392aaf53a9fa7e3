package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopysetInlineAndSpill(t *testing.T) {
	var cs Copyset
	for i := 0; i < 10; i++ {
		cs.Append(ShardID(i))
		assert.Equal(t, i+1, cs.Len())
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, ShardID(i), cs.At(i))
	}
	assert.True(t, cs.Contains(9))
	assert.False(t, cs.Contains(10))
}

func TestCopysetHashOrderSensitive(t *testing.T) {
	a := NewCopyset(1, 2, 3)
	b := NewCopyset(3, 2, 1)
	c := NewCopyset(1, 2, 3)
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), c.Hash())
	assert.True(t, a.Equal(&c))
	assert.False(t, a.Equal(&b))
}

func TestCopysetEncodeDecode(t *testing.T) {
	orig := NewCopyset(4, 5, 6, 7, 8, 9, 10) // forces spill
	buf := orig.AppendEncode(nil)
	require.Len(t, buf, orig.EncodedLen())

	decoded, rest, err := DecodeCopyset(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, orig.Equal(&decoded))

	_, _, err = DecodeCopyset(buf[:5])
	assert.Error(t, err)
	_, _, err = DecodeCopyset(nil)
	assert.Error(t, err)
}
