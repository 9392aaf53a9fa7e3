package engine

import (
	"sync"

	"github.com/INLOpen/logstore/compressors"
	"github.com/INLOpen/logstore/core"
)

// decodeCodecs caches one decompressor per codec type for the read path.
// Records carry their codec byte, so a reader may need any codec regardless
// of the shard's configured one.
var decodeCodecs sync.Map // core.CompressionType → core.Compressor

func compressorFor(t core.CompressionType) (core.Compressor, error) {
	if c, ok := decodeCodecs.Load(t); ok {
		return c.(core.Compressor), nil
	}
	c, err := compressors.ForType(t)
	if err != nil {
		return nil, err
	}
	actual, _ := decodeCodecs.LoadOrStore(t, c)
	return actual.(core.Compressor), nil
}
