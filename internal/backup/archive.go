package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ledgerEntry = "ledger.db"
	statePrefix = "state/"
)

// buildArchive packs the ledger database and the file-store tree into a
// tar.gz held in memory. Either path may be empty when that half of the
// state does not exist in this deployment.
func buildArchive(dbPath, stateRoot string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if dbPath != "" {
		if err := addFile(tw, dbPath, ledgerEntry); err != nil {
			return nil, fmt.Errorf("archive ledger: %w", err)
		}
	}

	if stateRoot != "" {
		err := filepath.WalkDir(stateRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(stateRoot, path)
			if err != nil {
				return err
			}
			return addFile(tw, path, statePrefix+filepath.ToSlash(rel))
		})
		if err != nil {
			return nil, fmt.Errorf("archive state: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0600,
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive unpacks an archive produced by buildArchive. The ledger
// file replaces dbPath; state files are laid over stateRoot, leaving files
// the archive does not mention untouched. Entries are never allowed to
// escape their target directory.
func extractArchive(data []byte, dbPath, stateRoot string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		switch {
		case hdr.Name == ledgerEntry:
			if dbPath == "" {
				continue
			}
			if err := writeEntry(tr, dbPath, time.Time{}); err != nil {
				return fmt.Errorf("restore ledger: %w", err)
			}
		case strings.HasPrefix(hdr.Name, statePrefix):
			if stateRoot == "" {
				continue
			}
			rel := strings.TrimPrefix(hdr.Name, statePrefix)
			if rel == "" || strings.Contains(rel, "..") || filepath.IsAbs(rel) {
				return fmt.Errorf("unsafe archive entry %q", hdr.Name)
			}
			dst := filepath.Join(stateRoot, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
				return fmt.Errorf("restore state dir: %w", err)
			}
			if err := writeEntry(tr, dst, hdr.ModTime); err != nil {
				return fmt.Errorf("restore %s: %w", hdr.Name, err)
			}
		}
	}
}

func writeEntry(r io.Reader, dst string, modTime time.Time) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !modTime.IsZero() {
		os.Chtimes(dst, modTime, modTime)
	}
	return nil
}
