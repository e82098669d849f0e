package format

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedBytes bounds decompression of captured bodies.
const maxDecodedBytes = 64 << 20

// decode reverses a Content-Encoding header value. Codings are listed in the
// order they were applied, so they are undone right to left.
func decode(b []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		out, err := decodeOne(b, coding)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", coding, err)
		}
		b = out
	}
	return b, nil
}

func decodeOne(b []byte, coding string) ([]byte, error) {
	switch coding {
	case "", "identity":
		return b, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return readBounded(zr)
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return readBounded(zr)
	case "br":
		return readBounded(brotli.NewReader(bytes.NewReader(b)))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readBounded(zr)
	}
	return nil, fmt.Errorf("unsupported content coding")
}

func readBounded(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBytes {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedBytes)
	}
	return out, nil
}
