package trace

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			// Initialize by allocating the struct. We rely on Reset() before use.
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			// brotli.NewReader(nil) is the idiomatic way to create a reusable
			// reader ready for Reset().
			return brotli.NewReader(nil)
		},
	}
)

// Shared empty reader used for safely resetting pooled readers.
var emptyReader = strings.NewReader("")

// ErrResourceNotFound indicates the trace stores no body for a given hash.
var ErrResourceNotFound = errors.New("resource not found in trace")

// ResourceBody returns the stored body for a resource hash, transparently
// decoding the content encoding recorded on its network event. Supported
// encodings are gzip, brotli and deflate (both zlib-wrapped and raw); any
// other value returns the stored bytes untouched.
func ResourceBody(trace *schemas.TraceData, sha1, contentEncoding string) ([]byte, error) {
	raw, ok := trace.Resources[sha1]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, sha1)
	}

	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		return decodeGzip(raw)
	case "br":
		return decodeBrotli(raw)
	case "deflate":
		return decodeDeflate(raw)
	default:
		return raw, nil
	}
}

func decodeGzip(raw []byte) ([]byte, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(bytes.NewReader(raw)); err != nil {
		// The allocation is still valid for reuse; Reset re-initializes state.
		gzipReaderPool.Put(zr)
		return nil, fmt.Errorf("gzip initialization error: %w", err)
	}
	defer func() {
		// Reset with an empty reader instead of nil: Reset(nil) unconditionally
		// tries to read a header and can panic on older Go versions.
		_ = zr.Reset(emptyReader)
		gzipReaderPool.Put(zr)
	}()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip decode error: %w", err)
	}
	return body, nil
}

func decodeBrotli(raw []byte) ([]byte, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(bytes.NewReader(raw)); err != nil {
		brotliReaderPool.Put(br)
		return nil, fmt.Errorf("brotli initialization error: %w", err)
	}
	defer func() {
		_ = br.Reset(emptyReader)
		brotliReaderPool.Put(br)
	}()

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("brotli decode error: %w", err)
	}
	return body, nil
}

// decodeDeflate attempts zlib-wrapped deflate (RFC 1950) first, falling back
// to raw deflate (RFC 1951). The source is a byte slice, so retrying from the
// start is free.
func decodeDeflate(raw []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer zr.Close()
		body, err := io.ReadAll(zr)
		if err == nil {
			return body, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	body, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("deflate decode error: %w", err)
	}
	return body, nil
}
