// Package store layers immutable pack files over a loose revision store
// and gives readers one view of both. Reads consult packs newest first and
// fall back to loose objects; writes always land loose. The pack set is a
// snapshot: it changes only when Refresh rescans the pack directory.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/odvcencio/revpack/pkg/loose"
	"github.com/odvcencio/revpack/pkg/object"
	"github.com/odvcencio/revpack/pkg/pack"
)

// DefaultCacheSize bounds the read cache when Options leaves it unset.
const DefaultCacheSize = 512

// Options configures a Store.
type Options struct {
	// Strict makes corrupt pack files fail reads instead of being skipped.
	Strict bool
	// CacheSize bounds the verified-read cache; 0 means DefaultCacheSize,
	// negative disables caching.
	CacheSize int
	// Logger receives structural warnings. Nil means no logging.
	Logger *zap.Logger
}

// Store is the combined read/write surface over loose objects and packs.
type Store struct {
	root  string
	opts  Options
	log   *zap.Logger
	loose *loose.Store
	cache *lru.Cache[object.Key, []byte]

	mu        sync.RWMutex
	dataPacks []*pack.DataPack
	histPacks []*pack.HistoryPack
}

// Open scans root and returns a ready Store. The directory is created if
// missing.
func Open(root string, opts Options) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		root:  root,
		opts:  opts,
		log:   log,
		loose: loose.New(root),
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		cache, err := lru.New[object.Key, []byte](size)
		if err != nil {
			return nil, fmt.Errorf("open store cache: %w", err)
		}
		s.cache = cache
	}
	if err := s.Refresh(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Root returns the store's directory.
func (s *Store) Root() string { return s.root }

// PackDir returns the directory holding pack and index files.
func (s *Store) PackDir() string { return filepath.Join(s.root, "packs") }

// Loose exposes the loose layer for maintenance work.
func (s *Store) Loose() *loose.Store { return s.loose }

// Put stores one revision loose. Packs never take direct writes.
func (s *Store) Put(key object.Key, data []byte, info object.NodeInfo) error {
	return s.loose.Put(key, data, info)
}

// packFile is one pack spotted by a scan, ordered newest first.
type packFile struct {
	path  string
	mtime time.Time
}

func sortNewestFirst(files []packFile) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.After(files[j].mtime)
		}
		return files[i].path > files[j].path
	})
}

// Refresh rescans the pack directory: newly published packs are opened,
// packs whose files vanished are closed. Open packs are reused, so a
// refresh between repacks is cheap. In strict mode an unreadable pack
// fails the refresh; otherwise it is logged and skipped.
func (s *Store) Refresh() error {
	var dataFiles, histFiles []packFile
	entries, err := os.ReadDir(s.PackDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("scan pack dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		kind, ok := pack.KindOfFile(name)
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		pf := packFile{path: filepath.Join(s.PackDir(), name), mtime: fi.ModTime()}
		if kind == pack.KindData {
			dataFiles = append(dataFiles, pf)
		} else {
			histFiles = append(histFiles, pf)
		}
	}
	sortNewestFirst(dataFiles)
	sortNewestFirst(histFiles)

	s.mu.Lock()
	defer s.mu.Unlock()

	openData := make(map[string]*pack.DataPack, len(s.dataPacks))
	for _, p := range s.dataPacks {
		openData[p.Path()] = p
	}
	nextData := make([]*pack.DataPack, 0, len(dataFiles))
	var freshData []*pack.DataPack
	for _, pf := range dataFiles {
		if p, ok := openData[pf.path]; ok {
			nextData = append(nextData, p)
			delete(openData, pf.path)
			continue
		}
		p, err := pack.OpenData(pf.path)
		if err != nil {
			if s.opts.Strict {
				for _, fresh := range freshData {
					fresh.Close()
				}
				return fmt.Errorf("refresh: %w", err)
			}
			s.log.Warn("skipping unreadable data pack",
				zap.String("file", filepath.Base(pf.path)),
				zap.Error(err))
			continue
		}
		freshData = append(freshData, p)
		nextData = append(nextData, p)
	}
	for _, p := range openData {
		p.Close()
	}
	s.dataPacks = nextData

	openHist := make(map[string]*pack.HistoryPack, len(s.histPacks))
	for _, p := range s.histPacks {
		openHist[p.Path()] = p
	}
	nextHist := make([]*pack.HistoryPack, 0, len(histFiles))
	var freshHist []*pack.HistoryPack
	for _, pf := range histFiles {
		if p, ok := openHist[pf.path]; ok {
			nextHist = append(nextHist, p)
			delete(openHist, pf.path)
			continue
		}
		p, err := pack.OpenHistory(pf.path)
		if err != nil {
			if s.opts.Strict {
				for _, fresh := range freshHist {
					fresh.Close()
				}
				return fmt.Errorf("refresh: %w", err)
			}
			s.log.Warn("skipping unreadable history pack",
				zap.String("file", filepath.Base(pf.path)),
				zap.Error(err))
			continue
		}
		freshHist = append(freshHist, p)
		nextHist = append(nextHist, p)
	}
	for _, p := range openHist {
		p.Close()
	}
	s.histPacks = nextHist

	s.log.Debug("pack set refreshed",
		zap.Int("data_packs", len(s.dataPacks)),
		zap.Int("history_packs", len(s.histPacks)))
	return nil
}

// DataPackNames lists the open data packs, newest first.
func (s *Store) DataPackNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dataPacks))
	for _, p := range s.dataPacks {
		names = append(names, p.Name())
	}
	return names
}

// HistoryPackNames lists the open history packs, newest first.
func (s *Store) HistoryPackNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.histPacks))
	for _, p := range s.histPacks {
		names = append(names, p.Name())
	}
	return names
}

// Close releases all mapped packs. Reads after Close fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, p := range s.dataPacks {
		if err := p.Close(); first == nil {
			first = err
		}
	}
	for _, p := range s.histPacks {
		if err := p.Close(); first == nil {
			first = err
		}
	}
	s.dataPacks = nil
	s.histPacks = nil
	return first
}
