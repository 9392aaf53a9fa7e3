// Package compressors provides the payload codecs selectable per record.
// The codec type byte is stored in the record header, so a shard can always
// decode records written under a different compression setting.
package compressors

import (
	"fmt"

	"github.com/INLOpen/logstore/core"
)

// ForType returns the compressor implementing the given codec.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("no compressor for type %v", t)
	}
}
