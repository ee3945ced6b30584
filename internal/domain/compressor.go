package domain

type Compressor interface {
	Compress(sourcePath, destPath string) error
	Decompress(sourcePath, destPath string) error
	// Verify reads the whole compressed stream without writing output,
	// the in-process equivalent of `gzip -t`.
	Verify(sourcePath string) error
}
