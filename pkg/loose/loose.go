// Package loose stores individual file revisions, one file per revision,
// under a two-level fan-out derived from the path hash:
//
//	<root>/<pathhash[:2]>/<pathhash[2:]>/<node>
//
// Writes go through a temp file and a rename, so concurrent readers and
// directory scans never observe a partial object. The packs/ subdirectory
// and any non-hex names are ignored by scans.
package loose

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/odvcencio/revpack/pkg/object"
)

// Store is a loose revision store rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir. Fan-out directories are created lazily
// on first write.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// revisionPath returns the on-disk location for key.
func (s *Store) revisionPath(key object.Key) string {
	ph := object.PathHash(key.Path)
	return filepath.Join(s.root, ph[:2], ph[2:], key.Node.String())
}

// Contains reports whether the store holds key.
func (s *Store) Contains(key object.Key) bool {
	_, err := os.Stat(s.revisionPath(key))
	return err == nil
}

// Put stores one revision. The key's node must match the identity derived
// from data and the parents in info; storing the same key twice is a no-op.
func (s *Store) Put(key object.Key, data []byte, info object.NodeInfo) error {
	if derived := object.DeriveNode(data, info.P1, info.P2); derived != key.Node {
		return fmt.Errorf("loose put %s: node mismatch (computed %s)", key, derived)
	}

	// Fast path: already exists.
	if s.Contains(key) {
		return nil
	}

	raw, err := encodeEnvelope(key.Path, data, info)
	if err != nil {
		return fmt.Errorf("loose put %s: %w", key, err)
	}

	dest := s.revisionPath(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("loose put mkdir: %w", err)
	}

	// Atomic write via temp + rename.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("loose put tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("loose put write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("loose put close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("loose put rename: %w", err)
	}
	return nil
}

// Get returns the payload stored for key.
func (s *Store) Get(key object.Key) ([]byte, error) {
	data, _, err := s.read(key)
	return data, err
}

// GetNodeInfo returns the history metadata stored for key.
func (s *Store) GetNodeInfo(key object.Key) (object.NodeInfo, error) {
	_, info, err := s.read(key)
	return info, err
}

func (s *Store) read(key object.Key) ([]byte, object.NodeInfo, error) {
	raw, err := os.ReadFile(s.revisionPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, object.NodeInfo{}, fmt.Errorf("loose read %s: %w", key, object.ErrNotFound)
		}
		return nil, object.NodeInfo{}, fmt.Errorf("loose read %s: %w", key, err)
	}
	path, data, info, err := decodeEnvelope(raw)
	if err != nil {
		return nil, object.NodeInfo{}, fmt.Errorf("loose read %s: %w", key, err)
	}
	if path != key.Path {
		return nil, object.NodeInfo{}, fmt.Errorf("loose read %s: envelope records path %q", key, path)
	}
	return data, info, nil
}

// List enumerates every revision currently stored loose. The scan re-reads
// the directory tree on each call, so additions and removals between calls
// are always reflected.
func (s *Store) List() ([]object.Key, error) {
	var keys []object.Key
	err := s.forEachFile(func(full string, node object.Node, _ fs.DirEntry) error {
		path, err := readEnvelopePath(full)
		if err != nil {
			return fmt.Errorf("loose list %s: %w", filepath.Base(full), err)
		}
		keys = append(keys, object.Key{Path: path, Node: node})
		return nil
	})
	if err != nil {
		return nil, err
	}
	object.SortKeys(keys)
	return keys, nil
}

// Remove deletes the given revisions. Missing files are tolerated, so a
// concurrent cleanup remains safe. Emptied fan-out directories are pruned
// opportunistically.
func (s *Store) Remove(keys []object.Key) error {
	for _, key := range keys {
		p := s.revisionPath(key)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loose remove %s: %w", key, err)
		}
		// Non-empty directories make these fail, which is fine.
		os.Remove(filepath.Dir(p))
		os.Remove(filepath.Dir(filepath.Dir(p)))
	}
	return nil
}

// Stats summarizes the loose portion of the store.
type Stats struct {
	Objects int
	Bytes   int64
}

// Stats counts loose objects and their on-disk bytes.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.forEachFile(func(_ string, _ object.Node, entry fs.DirEntry) error {
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		st.Objects++
		st.Bytes += fi.Size()
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// forEachFile walks the fan-out tree and invokes fn for every loose object
// file. Names that do not look like hash components (packs/, temp files,
// the lock) are skipped.
func (s *Store) forEachFile(fn func(full string, node object.Node, entry fs.DirEntry) error) error {
	fanoutDirs, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store dir: %w", err)
	}
	for _, fanoutDir := range fanoutDirs {
		prefix := fanoutDir.Name()
		if !fanoutDir.IsDir() || !isHexComponent(prefix, 2) {
			continue
		}
		bucketDirs, err := os.ReadDir(filepath.Join(s.root, prefix))
		if err != nil {
			return fmt.Errorf("read fanout %s: %w", prefix, err)
		}
		for _, bucketDir := range bucketDirs {
			rest := bucketDir.Name()
			if !bucketDir.IsDir() || !isHexComponent(rest, object.NodeSize*2-2) {
				continue
			}
			files, err := os.ReadDir(filepath.Join(s.root, prefix, rest))
			if err != nil {
				return fmt.Errorf("read bucket %s%s: %w", prefix, rest, err)
			}
			for _, file := range files {
				name := file.Name()
				if file.IsDir() || !isHexComponent(name, object.NodeSize*2) {
					continue
				}
				node, err := object.ParseNode(name)
				if err != nil {
					continue
				}
				if err := fn(filepath.Join(s.root, prefix, rest, name), node, file); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func isHexComponent(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
