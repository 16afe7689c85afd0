// Package codec converts HTTP bodies to and from their declared content-encoding.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrDecode is returned when a body does not match its declared encoding.
var ErrDecode = errors.New("body does not match declared content-encoding")

// Encoding is an HTTP content-coding understood by the proxy.
type Encoding string

const (
	Identity Encoding = "identity"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
	Brotli   Encoding = "br"
)

// ParseEncoding maps a Content-Encoding header value to an Encoding.
// Unknown and empty values are treated as Identity.
func ParseEncoding(header string) Encoding {
	enc, _ := Lookup(header)
	return enc
}

// Lookup is like ParseEncoding but reports whether the value named a coding
// this package implements. Empty and "identity" values report true; stacked
// codings such as "gzip, br" and unknown codings report false.
func Lookup(header string) (Encoding, bool) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", "identity":
		return Identity, true
	case "gzip", "x-gzip":
		return Gzip, true
	case "deflate":
		return Deflate, true
	case "br":
		return Brotli, true
	default:
		return Identity, false
	}
}

// Decode returns data with enc removed.
func Decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %w", ErrDecode, err)
		}
		defer func() { _ = zr.Close() }()
		return readAll(zr, enc)
	case Deflate:
		// "deflate" is zlib-wrapped per RFC 9110, but some servers send raw DEFLATE.
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(data))
			defer func() { _ = fr.Close() }()
			return readAll(fr, enc)
		}
		defer func() { _ = zr.Close() }()
		return readAll(zr, enc)
	case Brotli:
		return readAll(brotli.NewReader(bytes.NewReader(data)), enc)
	default:
		return data, nil
	}
}

// Encode compresses data with enc. Identity returns data unchanged.
func Encode(data []byte, enc Encoding) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch enc {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Deflate:
		w = zlib.NewWriter(&buf)
	case Brotli:
		w = brotli.NewWriter(&buf)
	default:
		return data, nil
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	return buf.Bytes(), nil
}

func readAll(r io.Reader, enc Encoding) ([]byte, error) {
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, enc, err)
	}
	return out, nil
}
