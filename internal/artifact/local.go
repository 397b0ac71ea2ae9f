// Package artifact inspects extraction output on the local filesystem.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// LocalStore implements state.ArtifactStore for files and partitioned
// directories of parquet parts.
type LocalStore struct{}

// NewLocalStore returns a filesystem artifact store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

// Exists reports whether path is a file, or a directory holding at least
// one parquet part.
func (s *LocalStore) Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return true, nil
	}
	parts, err := parquetParts(path)
	if err != nil {
		return false, err
	}
	return len(parts) > 0, nil
}

// Size returns the file size, or the summed size of a directory's parts.
func (s *LocalStore) Size(path string) (int64, error) {
	files, err := s.files(path)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Checksum returns the hex SHA-256 of a file. For directories the digest
// covers every part's relative name and content in name order.
func (s *LocalStore) Checksum(path string) (string, error) {
	files, err := s.files(path)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, f := range files {
		if len(files) > 1 || f != path {
			rel, _ := filepath.Rel(path, f)
			io.WriteString(h, filepath.ToSlash(rel))
			h.Write([]byte{0})
		}
		if err := hashFile(h, f); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Readable opens every parquet file and validates its footer. Other file
// types only need to open.
func (s *LocalStore) Readable(path string) (bool, error) {
	files, err := s.files(path)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	for _, f := range files {
		if !isParquet(f) {
			fh, err := os.Open(f)
			if err != nil {
				return false, nil
			}
			fh.Close()
			continue
		}
		if _, err := parquetRows(f); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// RowCount sums the row counts in parquet metadata. Returns -1 when the
// output is not parquet.
func (s *LocalStore) RowCount(path string) (int64, error) {
	files, err := s.files(path)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		if !isParquet(f) {
			return -1, nil
		}
		n, err := parquetRows(f)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// files resolves path to the list of data files it stands for.
func (s *LocalStore) files(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	return parquetParts(path)
}

func parquetParts(dir string) ([]string, error) {
	var parts []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isParquet(p) {
			parts = append(parts, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	return parts, nil
}

func parquetRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("opening parquet %s: %w", path, err)
	}
	return pf.NumRows(), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func isParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// OutputPath returns the conventional location of a table's output:
// <base>/<source>/<table>/<yyyymm>/<dd>/<runID>.parquet
func OutputPath(base, source, table string, date time.Time, runID string) string {
	return filepath.Join(base, source, table, date.Format("200601"), date.Format("02"), runID+".parquet")
}
