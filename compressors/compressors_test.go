package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/logstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllCodecs(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("log records compress well "), 1000),
	}
	types := []core.CompressionType{
		core.CompressionNone,
		core.CompressionSnappy,
		core.CompressionLZ4,
		core.CompressionZstd,
	}
	for _, ct := range types {
		c, err := ForType(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
		for _, p := range payloads {
			compressed, err := c.Compress(p)
			require.NoError(t, err)
			got, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, len(p), len(got))
			assert.True(t, bytes.Equal(p, got))
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("aaaaaaaabbbbbbbb"), 4096)
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZstd} {
		c, err := ForType(ct)
		require.NoError(t, err)
		compressed, err := c.Compress(data)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(data)/2, "codec %v", ct)
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZstd} {
		c, err := ForType(ct)
		require.NoError(t, err)
		_, err = c.Decompress([]byte("definitely not a compressed frame"))
		assert.Error(t, err, "codec %v", ct)
	}
}
