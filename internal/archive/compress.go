package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// openCompressed opens an archive file and returns a reader over its
// decompressed tar stream. The codec is chosen from the filename suffix;
// unrecognized suffixes are read as plain tar (the generic fallback).
func openCompressed(path string, threads int) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".xz"):
		// xz streams decode single-threaded; buffer the file reads.
		xr, err := xz.NewReader(bufio.NewReaderSize(f, 1<<20))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		return &compositeReadCloser{r: xr, closers: []io.Closer{f}}, nil

	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &compositeReadCloser{r: gr, closers: []io.Closer{gr, f}}, nil

	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(threads))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &compositeReadCloser{r: zr, closers: []io.Closer{closerFunc(func() error {
			zr.Close()
			return nil
		}), f}}, nil

	default:
		return f, nil
	}
}

type compositeReadCloser struct {
	r       io.Reader
	closers []io.Closer
}

func (c *compositeReadCloser) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *compositeReadCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
