// Package compression wraps the three codecs the coordinator's snapshot
// export and observability surface actually need: zstd (the default),
// gzip (for HTTP clients that don't speak zstd), and snappy (for callers
// that want speed over ratio). It does not attempt to be a general-purpose
// compression toolkit.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Algorithm selects which codec a Compressor uses.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmSnappy
	AlgorithmZstd
	AlgorithmGzip
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Config selects an algorithm and, where applicable, its compression level.
type Config struct {
	Algorithm Algorithm
	Level     int
}

// DefaultConfig is zstd at a balanced level; used whenever a caller passes
// a nil *Config.
func DefaultConfig() *Config {
	return &Config{Algorithm: AlgorithmZstd, Level: 3}
}

// SnappyConfig requests snappy, which ignores Level.
func SnappyConfig() *Config {
	return &Config{Algorithm: AlgorithmSnappy}
}

// GzipConfig requests gzip at level; a level outside 0..9 falls back to
// gzip.DefaultCompression.
func GzipConfig(level int) *Config {
	if level < gzip.NoCompression || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &Config{Algorithm: AlgorithmGzip, Level: level}
}

// ZstdConfig requests zstd at level (1 fastest .. 19 best ratio), clamped
// to a sane default if out of range.
func ZstdConfig(level int) *Config {
	if level < 1 || level > 19 {
		level = 3
	}
	return &Config{Algorithm: AlgorithmZstd, Level: level}
}

// Compressor compresses and decompresses byte slices for one Config. A
// Compressor is not safe for concurrent use: each caller (an HTTP request
// handler, a snapshot export) should build its own short-lived instance.
type Compressor struct {
	config  *Config
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
	scratch bytes.Buffer
}

// NewCompressor builds a Compressor for config. A nil config selects
// DefaultConfig.
func NewCompressor(config *Config) (*Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Compressor{config: config}

	if config.Algorithm == AlgorithmZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(config.Level)))
		if err != nil {
			return nil, fmt.Errorf("new zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("new zstd decoder: %w", err)
		}
		c.zstdEnc, c.zstdDec = enc, dec
	}
	return c, nil
}

// Compress encodes data with the Compressor's algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil

	case AlgorithmZstd:
		return c.zstdEnc.EncodeAll(data, nil), nil

	case AlgorithmGzip:
		c.scratch.Reset()
		w, err := gzip.NewWriterLevel(&c.scratch, c.config.Level)
		if err != nil {
			return nil, fmt.Errorf("new gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return c.scratch.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Decompress reverses Compress. The caller must use the algorithm the data
// was actually compressed with.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmSnappy:
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return decoded, nil

	case AlgorithmZstd:
		decoded, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return decoded, nil

	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("new gzip reader: %w", err)
		}
		defer r.Close()

		c.scratch.Reset()
		if _, err := io.Copy(&c.scratch, r); err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return c.scratch.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Close releases the zstd encoder/decoder, if this Compressor allocated
// them. Safe to call on a Compressor for any algorithm.
func (c *Compressor) Close() error {
	if c.zstdEnc != nil {
		c.zstdEnc.Close()
	}
	if c.zstdDec != nil {
		c.zstdDec.Close()
	}
	return nil
}
