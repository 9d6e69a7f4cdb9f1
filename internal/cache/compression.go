// Copyright 2025 James Ross
package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

const (
	AlgorithmNone   = "none"
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "brotli"
)

// compress encodes data under algorithm.
func compress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgorithmBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cache: unsupported compression algorithm %q", algorithm)
	}
}

// decompress decodes data previously produced by compress under the same
// algorithm tag.
func decompress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case AlgorithmBrotli:
		r := brotli.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("cache: unsupported compression algorithm %q", algorithm)
	}
}
