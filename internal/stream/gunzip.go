// Package stream holds the two stream adaptors the forwarder installs on a
// passthrough response body: the gzip-tolerant decoder and the SSE
// usage/model accumulator.
package stream

import (
	"compress/gzip"
	"io"
)

// GunzipReader wraps an upstream response body and transparently decodes
// gzip content as it arrives. Unlike a bare gzip.Reader, a decode error
// mid-stream (most commonly an upstream truncating its response early)
// does not propagate as an error: whatever bytes were already decoded are
// still returned, and the stream simply ends, because a partial payload is
// still useful to the client and killing the whole response over a
// truncated tail is worse.
type GunzipReader struct {
	upstream io.ReadCloser
	gz       *gzip.Reader
	done     bool
	initErr  error
}

// NewGunzipReader lazily initializes the gzip header reader on first Read,
// since some callers construct it before any bytes are available.
func NewGunzipReader(upstream io.ReadCloser) *GunzipReader {
	return &GunzipReader{upstream: upstream}
}

func (g *GunzipReader) Read(p []byte) (int, error) {
	if g.done {
		return 0, io.EOF
	}

	if g.gz == nil {
		gz, err := gzip.NewReader(g.upstream)
		if err != nil {
			// Couldn't even read the header: nothing decoded yet, so this
			// is the one case where we do surface the error.
			g.done = true
			g.initErr = err
			return 0, err
		}
		g.gz = gz
	}

	n, err := g.gz.Read(p)
	if err != nil {
		g.done = true
		if err == io.EOF {
			return n, io.EOF
		}
		// Mid-stream decode failure: surface the bytes already decoded
		// into p (n may be > 0) and terminate as a clean EOF rather than
		// propagating the decode error.
		return n, io.EOF
	}
	return n, nil
}

// Close releases the underlying upstream body and, if opened, the gzip
// reader.
func (g *GunzipReader) Close() error {
	if g.gz != nil {
		_ = g.gz.Close()
	}
	return g.upstream.Close()
}
