// Package archive packs task workspaces into zstd-compressed tarballs.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
)

// Write streams root as a .tar.zst into w. When include is non-empty only
// those paths, relative to root, are packed.
func Write(w io.Writer, root string, include []string) error {
	tarStream, err := goarchive.TarWithOptions(root, &goarchive.TarOptions{
		IncludeFiles: include,
	})
	if err != nil {
		return fmt.Errorf("tar %s: %w", root, err)
	}
	defer tarStream.Close()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, tarStream); err != nil {
		zw.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// WriteFile writes the archive to path and returns its size.
func WriteFile(path, root string, include []string) (int64, error) {
	for _, p := range include {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			return 0, fmt.Errorf("archive %s: %w", p, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := Write(f, root, include); err != nil {
		return 0, err
	}
	// Close explicitly to catch write errors
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Entries lists the names in a .tar.zst stream without extracting it.
func Entries(r io.Reader) ([]string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		names = append(names, hdr.Name)
	}
}

func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
