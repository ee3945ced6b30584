package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Logger is the slice of the application logger archiving needs.
type Logger interface {
	Debugf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type TarGz struct {
	log Logger
}

func NewTarGz(log Logger) *TarGz {
	return &TarGz{log: log}
}

// writerStack tracks the file -> gzip -> tar writer chain so it can be
// closed in reverse order.
type writerStack struct {
	tar     *tar.Writer
	closers []io.Closer
}

func newWriterStack(path string) (*writerStack, error) {
	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	return &writerStack{tar: tw, closers: []io.Closer{out, gz, tw}}, nil
}

func (ws *writerStack) Close() error {
	var firstErr error
	for i := len(ws.closers) - 1; i >= 0; i-- {
		if err := ws.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Create archives the given paths into a tar.gz at destPath. Entry
// names drop the leading slash, the layout tar -czf produces, so
// extracting under / restores original locations. A failed run removes
// the partial archive.
func (t *TarGz) Create(ctx context.Context, sources []string, destPath string) (err error) {
	ws, err := newWriterStack(destPath)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := ws.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(destPath)
		}
	}()

	for _, src := range sources {
		if err := t.addTree(ctx, ws.tar, src); err != nil {
			return err
		}
	}
	return nil
}

func (t *TarGz) addTree(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case info.Mode().IsRegular():
			return t.addFile(tw, path, info)
		case info.IsDir():
			return addHeader(tw, path, info, "")
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			return addHeader(tw, path, info, link)
		default:
			t.log.Warnf("skipping %s: unsupported file type", path)
			return nil
		}
	})
}

func entryName(path string, isDir bool) string {
	name := strings.TrimPrefix(filepath.ToSlash(path), "/")
	if isDir && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}

func addHeader(tw *tar.Writer, path string, info os.FileInfo, link string) error {
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("build header for %s: %w", path, err)
	}
	header.Name = entryName(path, info.IsDir())
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}
	return nil
}

func (t *TarGz) addFile(tw *tar.Writer, path string, info os.FileInfo) error {
	if err := addHeader(tw, path, info, ""); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}

// Extract unpacks a tar.gz under destRoot. Entry names that would
// escape destRoot are rejected.
func (t *TarGz) Extract(ctx context.Context, srcPath, destRoot string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := securePath(destRoot, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("restore symlink %s: %w", target, err)
			}
		default:
			t.log.Warnf("skipping %s: unsupported entry type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractFile(tr *tar.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", target, err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	_, err = io.Copy(out, tr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	return nil
}

func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	cleanRoot := filepath.Clean(root)
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}
	return target, nil
}

// List returns every entry name in the archive, the tar -tzf view used
// to check that an archive is readable end to end.
func (t *TarGz) List(srcPath string) ([]string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		names = append(names, hdr.Name)
	}
}
