package installer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"
)

const dataFileSuffix = ".data"

// DataStore keeps binary resource payloads on local disk, addressed by digest.
//
// Structure:
//
//	{Dir}/
//	  {digest[0:2]}/
//	    {digest}.data
//
// A payload stored once is reused by every later registration with the same
// digest, including after a process restart.
type DataStore struct {
	dir   string
	group singleflight.Group
}

// NewDataStore creates a DataStore rooted at dir, creating it if needed.
func NewDataStore(dir string) (*DataStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("new data store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("new data store: %w", err)
	}
	return &DataStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *DataStore) Dir() string {
	return s.dir
}

// Path returns the file that holds the payload for digest.
func (s *DataStore) Path(digest string) string {
	prefix := digest
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.dir, prefix, digest+dataFileSuffix)
}

// Has reports whether a payload for digest is stored.
func (s *DataStore) Has(digest string) bool {
	_, err := os.Stat(s.Path(digest))
	return err == nil
}

// Put stores the content of r under digest and returns the file path. If a
// payload with that digest already exists, r is left unread and the existing
// file is reused. Concurrent puts of the same digest share one write.
func (s *DataStore) Put(digest string, r io.Reader) (string, bool, error) {
	if !validDigest(digest) {
		return "", false, fmt.Errorf("data store: invalid digest %q", digest)
	}
	target := s.Path(digest)
	v, err, _ := s.group.Do(digest, func() (any, error) {
		if _, err := os.Stat(target); err == nil {
			now := time.Now()
			_ = os.Chtimes(target, now, now)
			return false, nil
		}
		if err := WriteFileAtomic(target, r); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("data store: storing %s: %w", digest, err)
	}
	return target, v.(bool), nil
}

// Open returns a reader over the payload stored for digest.
func (s *DataStore) Open(digest string) (*os.File, error) {
	return os.Open(s.Path(digest))
}

// Prune removes stored payloads whose digest is not in keep and which were
// last written or reused before now minus grace. It returns the removed digests.
func (s *DataStore) Prune(keep sets.Set[string], grace time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-grace)
	var removed []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), dataFileSuffix) {
			return nil
		}
		digest := strings.TrimSuffix(d.Name(), dataFileSuffix)
		if keep.Has(digest) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed = append(removed, digest)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("data store: pruning: %w", err)
	}
	return removed, nil
}

// WriteFileAtomic writes r to target through a temporary file in the same
// directory, so readers never observe a partial file.
func WriteFileAtomic(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// validDigest accepts digests that are safe to use as a file name.
func validDigest(digest string) bool {
	if digest == "" || digest == "." || digest == ".." {
		return false
	}
	return !strings.ContainsAny(digest, `/\`+string(os.PathSeparator))
}
