// Package compress provides streaming compressors for logical dumps.
package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression algorithm
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmLZ4  Algorithm = "lz4"
)

// Supported lists the algorithms usable for dumps
func Supported() []Algorithm {
	return []Algorithm{AlgorithmGzip, AlgorithmZstd, AlgorithmLZ4}
}

// Parse converts a configuration value into an Algorithm
func Parse(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmNone, AlgorithmGzip, AlgorithmZstd, AlgorithmLZ4:
		return a, nil
	case "":
		return AlgorithmGzip, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Extension returns the file extension for the algorithm, without a dot
func (a Algorithm) Extension() string {
	switch a {
	case AlgorithmGzip:
		return "gz"
	case AlgorithmZstd:
		return "zst"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return ""
	}
}

// FromExtension maps a file name to the algorithm that produced it
func FromExtension(name string) Algorithm {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return AlgorithmGzip
	case strings.HasSuffix(name, ".zst"):
		return AlgorithmZstd
	case strings.HasSuffix(name, ".lz4"):
		return AlgorithmLZ4
	default:
		return AlgorithmNone
	}
}

// NewWriter wraps w with a compressor at the algorithm's maximum level.
// Close must be called to flush the stream; it does not close w.
func NewWriter(w io.Writer, a Algorithm) (io.WriteCloser, error) {
	switch a {
	case AlgorithmGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case AlgorithmZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	case AlgorithmLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return zw, nil
	case AlgorithmNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}

// NewReader wraps r with a decompressor for the algorithm
func NewReader(r io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case AlgorithmGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gr, nil
	case AlgorithmZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case AlgorithmLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case AlgorithmNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
