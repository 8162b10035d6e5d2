package runner

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// writeArchive packs sourceDir into a deflate-compressed zip at archivePath,
// replacing any stale archive, and returns the archive size in bytes.
func writeArchive(archivePath, sourceDir string) (int64, error) {
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("remove stale archive: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		return copyIntoZip(zw, filepath.ToSlash(rel), p)
	})
	if walkErr != nil {
		zw.Close()
		out.Close()
		os.Remove(archivePath)
		return 0, fmt.Errorf("walk mirror dir: %w", walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}

func copyIntoZip(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
