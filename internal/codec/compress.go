package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies the algorithm applied to an encoded payload
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionZstd CompressionType = 1
	CompressionLZ4  CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name from configuration
func ParseCompression(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible is returned when compression would not shrink the payload
var errIncompressible = errors.New("payload is incompressible")

// Compressor handles compression/decompression of encoded state
type Compressor interface {
	// Compress compresses the input data
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses the input data
	Decompress(data []byte) ([]byte, error)

	// Type returns the compression type
	Type() CompressionType
}

// NewCompressor returns the compressor for a compression type
func NewCompressor(t CompressionType) (Compressor, error) {
	switch t {
	case CompressionNone:
		return NoopCompressor{}, nil
	case CompressionZstd:
		return newZstdCompressor()
	case CompressionLZ4:
		return LZ4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", t)
	}
}

// NoopCompressor is a compressor that does nothing
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoopCompressor) Type() CompressionType                  { return CompressionNone }

// ZstdCompressor compresses with zstd at the default level
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	out := c.enc.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() CompressionType { return CompressionZstd }

// LZ4Compressor compresses with LZ4 blocks. The uncompressed size is stored
// as a uvarint prefix because block decoding needs it up front.
type LZ4Compressor struct{}

// maxLZ4Size bounds the size prefix accepted on decompress
const maxLZ4Size = 64 << 20

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	n := binary.PutUvarint(dst, uint64(len(data)))
	written, err := lz4.CompressBlock(data, dst[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || n+written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n+written], nil
}

func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.New("lz4 decompress: bad size prefix")
	}
	if size > maxLZ4Size {
		return nil, fmt.Errorf("lz4 decompress: size %d exceeds limit", size)
	}
	out := make([]byte, size)
	read, err := lz4.UncompressBlock(data[n:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(read) != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return out, nil
}

func (LZ4Compressor) Type() CompressionType { return CompressionLZ4 }
