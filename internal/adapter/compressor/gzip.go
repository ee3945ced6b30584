package compressor

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

type GzipCompressor struct{}

func NewGzip() *GzipCompressor {
	return &GzipCompressor{}
}

// Compress gzips sourcePath into destPath. Close on the gzip writer
// flushes the final block, so its error is part of the result.
func (g *GzipCompressor) Compress(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}

	gw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		dst.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	_, err = io.Copy(gw, src)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to compress: %w", err)
	}
	return nil
}

func (g *GzipCompressor) Decompress(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}

	_, err = io.Copy(dst, gr)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return nil
}

// Verify reads the whole compressed stream without writing output, the
// in-process equivalent of `gzip -t`.
func (g *GzipCompressor) Verify(sourcePath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gr.Close()

	if _, err := io.Copy(io.Discard, gr); err != nil {
		return fmt.Errorf("corrupt gzip stream: %w", err)
	}
	return nil
}
