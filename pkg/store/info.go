package store

import (
	"os"

	"github.com/odvcencio/revpack/pkg/loose"
	"github.com/odvcencio/revpack/pkg/pack"
)

// Info summarizes the store's layers for stats output and metrics.
type Info struct {
	Loose           loose.Stats
	DataPacks       int
	HistoryPacks    int
	PackedRevisions int
	PackBytes       int64
}

// Info reports counts and on-disk sizes: a fresh loose scan plus the
// current pack snapshot. Files that vanish mid-stat are simply not
// counted.
func (s *Store) Info() (Info, error) {
	var info Info
	st, err := s.loose.Stats()
	if err != nil {
		return Info{}, err
	}
	info.Loose = st

	s.mu.RLock()
	defer s.mu.RUnlock()
	info.DataPacks = len(s.dataPacks)
	info.HistoryPacks = len(s.histPacks)
	for _, p := range s.dataPacks {
		info.PackedRevisions += p.Count()
		info.PackBytes += sizeOnDisk(p.Path())
	}
	for _, p := range s.histPacks {
		info.PackBytes += sizeOnDisk(p.Path())
	}
	return info, nil
}

func sizeOnDisk(packPath string) int64 {
	var total int64
	for _, path := range []string{packPath, pack.IndexPathFor(packPath)} {
		if fi, err := os.Stat(path); err == nil {
			total += fi.Size()
		}
	}
	return total
}
