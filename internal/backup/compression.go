package backup

import (
	"fmt"
	"io"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec wraps streams with one compression algorithm
type Codec interface {
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	Type() CompressionType
	Extension() string
}

// ParseCompressionType converts a configuration value into a CompressionType
func ParseCompressionType(s string) (CompressionType, error) {
	switch t := CompressionType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return CompressionTypeNone, nil
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// NewCodec returns the codec for the given algorithm
func NewCodec(compression CompressionType, level int) (Codec, error) {
	switch compression {
	case CompressionTypeNone, "":
		return noneCodec{}, nil
	case CompressionTypeGzip:
		return gzipCodec{level: level}, nil
	case CompressionTypeLZ4:
		return lz4Codec{level: level}, nil
	case CompressionTypeZstd:
		return zstdCodec{level: level}, nil
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported compression algorithm: %s", compression), nil)
	}
}

// CodecForFilename picks the codec from a dump filename extension
func CodecForFilename(name string) Codec {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return gzipCodec{}
	case strings.HasSuffix(name, ".lz4"):
		return lz4Codec{}
	case strings.HasSuffix(name, ".zst"):
		return zstdCodec{}
	default:
		return noneCodec{}
	}
}

type noneCodec struct{}

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil }
func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error)  { return io.NopCloser(r), nil }
func (noneCodec) Type() CompressionType                          { return CompressionTypeNone }
func (noneCodec) Extension() string                              { return "" }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipCodec struct{ level int }

func (c gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := c.level
	if level < kgzip.BestSpeed || level > kgzip.BestCompression {
		level = kgzip.DefaultCompression
	}
	return kgzip.NewWriterLevel(w, level)
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return kgzip.NewReader(r)
}

func (gzipCodec) Type() CompressionType { return CompressionTypeGzip }
func (gzipCodec) Extension() string     { return ".gz" }

type lz4Codec struct{ level int }

func (c lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	// LZ4 only distinguishes fast from high compression
	if c.level > 0 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Codec) Type() CompressionType { return CompressionTypeLZ4 }
func (lz4Codec) Extension() string     { return ".lz4" }

type zstdCodec struct{ level int }

func (c zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := zstd.SpeedDefault
	switch {
	case c.level <= 0:
	case c.level <= 3:
		level = zstd.SpeedFastest
	case c.level <= 9:
		level = zstd.SpeedBetterCompression
	default:
		level = zstd.SpeedBestCompression
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(level))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (zstdCodec) Type() CompressionType { return CompressionTypeZstd }
func (zstdCodec) Extension() string     { return ".zst" }
