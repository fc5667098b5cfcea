// Package repack folds loose revisions and existing packs into fresh
// consolidated pack pairs. A run takes the store's repack lock, collects
// its input snapshot, writes and publishes new packs, then retires the
// sources it folded. Failure before publication leaves only invisible
// temp files; failure during retirement leaves extra but valid files.
// Both states are safe to repack again.
package repack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/revpack/pkg/object"
	"github.com/odvcencio/revpack/pkg/pack"
	"github.com/odvcencio/revpack/pkg/store"
)

// DefaultDeltaDepth caps same-path delta chains in output packs when
// Options leaves DeltaDepth unset.
const DefaultDeltaDepth = 32

// staleTempAge is how old an orphaned temp file must be before the sweep
// removes it. Younger temps may belong to a writer that is still
// streaming.
const staleTempAge = time.Hour

// Options configures one repack run.
type Options struct {
	// Incremental folds loose revisions only, leaving existing packs in
	// place. A full repack also folds pack contents and retires the
	// superseded inputs.
	Incremental bool
	// MaxPackSize rotates to a new output pair once the data pack grows
	// past this many bytes. Zero means one unbounded pair.
	MaxPackSize int64
	// DeltaDepth caps same-path delta chains in output packs. Zero means
	// DefaultDeltaDepth, negative disables delta compression.
	DeltaDepth int
	// Workers bounds the parallel payload loads during collection. Zero
	// means GOMAXPROCS.
	Workers int
	// Logger receives phase-level progress. Nil means no logging.
	Logger *zap.Logger
	// Metrics receives counters and latencies when set.
	Metrics *Metrics
}

// Summary reports what one repack run did.
type Summary struct {
	RunID        string
	Incremental  bool
	Packed       int
	DataPacks    []string
	HistoryPacks []string
	DataBytes    uint64
	HistoryBytes uint64
	PrunedLoose  int
	PrunedPacks  int
	SweptTemps   int
	Duration     time.Duration
}

// revision is one unit of repack work.
type revision struct {
	key  object.Key
	data []byte
	info object.NodeInfo
}

// Run executes one repack under the store lock. The input snapshot is
// taken at collection time: loose writes that land later survive
// untouched until the next run.
func Run(ctx context.Context, st *store.Store, opts Options) (*Summary, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))

	lock, err := AcquireLock(st.Root(), runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("repack lock release failed", zap.Error(err))
		}
	}()

	start := time.Now()
	sum := &Summary{RunID: runID, Incremental: opts.Incremental}
	mode := "full"
	if opts.Incremental {
		mode = "incremental"
	}
	log.Info("repack started", zap.String("mode", mode))

	phaseStart := time.Now()
	revs, err := collect(ctx, st, opts)
	opts.Metrics.observeTask("collect", err, time.Since(phaseStart))
	if err != nil {
		return nil, fmt.Errorf("repack collect: %w", err)
	}
	log.Debug("collection done", zap.Int("revisions", len(revs)))

	if len(revs) > 0 {
		phaseStart = time.Now()
		err = writePacks(st, opts, revs, sum)
		opts.Metrics.observeTask("write", err, time.Since(phaseStart))
		if err != nil {
			return nil, fmt.Errorf("repack write: %w", err)
		}
		log.Info("packs published",
			zap.Strings("data_packs", sum.DataPacks),
			zap.Strings("history_packs", sum.HistoryPacks))

		phaseStart = time.Now()
		err = retire(st, opts, revs, sum)
		opts.Metrics.observeTask("retire", err, time.Since(phaseStart))
		if err != nil {
			return nil, fmt.Errorf("repack retire: %w", err)
		}
	}

	phaseStart = time.Now()
	swept, err := sweepTemps(st.PackDir(), time.Now(), log)
	opts.Metrics.observeTask("sweep", err, time.Since(phaseStart))
	if err != nil {
		return nil, fmt.Errorf("repack sweep: %w", err)
	}
	sum.SweptTemps = swept
	opts.Metrics.addPruned("temp", swept)

	if err := st.Refresh(); err != nil {
		return nil, fmt.Errorf("repack refresh: %w", err)
	}
	if info, err := st.Info(); err == nil {
		opts.Metrics.observeStore(info)
	}

	sum.Duration = time.Since(start)
	log.Info("repack finished",
		zap.Int("packed", sum.Packed),
		zap.Int("pruned_loose", sum.PrunedLoose),
		zap.Int("pruned_packs", sum.PrunedPacks),
		zap.Int("swept_temps", sum.SweptTemps),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// collect decides which revisions this run folds and loads them in
// parallel. The key list is sorted, so identical inputs always produce
// identical packs and therefore identical pack names.
func collect(ctx context.Context, st *store.Store, opts Options) ([]revision, error) {
	looseKeys, err := st.Loose().List()
	if err != nil {
		return nil, err
	}

	var keys []object.Key
	if opts.Incremental {
		keys = make([]object.Key, 0, len(looseKeys))
		for _, key := range looseKeys {
			if st.ContainsPacked(key) {
				continue
			}
			keys = append(keys, key)
		}
	} else {
		packedKeys, err := st.PackedKeys()
		if err != nil {
			return nil, err
		}
		seen := make(map[object.Key]bool, len(looseKeys)+len(packedKeys))
		keys = make([]object.Key, 0, len(looseKeys)+len(packedKeys))
		for _, key := range append(looseKeys, packedKeys...) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
		object.SortKeys(keys)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	revs := make([]revision, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := st.Get(key)
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			info, err := st.GetNodeInfo(key)
			if err != nil {
				return fmt.Errorf("load history %s: %w", key, err)
			}
			revs[i] = revision{key: key, data: data, info: info}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return revs, nil
}

// writePacks streams the collected revisions into data/history pack pairs,
// rotating to a fresh pair when MaxPackSize is exceeded.
func writePacks(st *store.Store, opts Options, revs []revision, sum *Summary) error {
	deltaDepth := opts.DeltaDepth
	if deltaDepth == 0 {
		deltaDepth = DefaultDeltaDepth
	} else if deltaDepth < 0 {
		deltaDepth = 0
	}
	dir := st.PackDir()

	var dw *pack.DataWriter
	var hw *pack.HistoryWriter
	defer func() {
		if dw != nil {
			dw.Abort()
		}
		if hw != nil {
			hw.Abort()
		}
	}()

	flushPair := func() error {
		dataBytes, histBytes := dw.Size(), hw.Size()
		dataName, err := dw.Flush()
		if err != nil {
			return fmt.Errorf("flush data pack: %w", err)
		}
		dw = nil
		histName, err := hw.Flush()
		if err != nil {
			return fmt.Errorf("flush history pack: %w", err)
		}
		hw = nil
		sum.DataPacks = append(sum.DataPacks, dataName)
		sum.HistoryPacks = append(sum.HistoryPacks, histName)
		sum.DataBytes += dataBytes
		sum.HistoryBytes += histBytes
		return nil
	}

	for _, rev := range revs {
		if dw == nil {
			var err error
			if dw, err = pack.NewDataWriter(dir, deltaDepth); err != nil {
				return err
			}
			if hw, err = pack.NewHistoryWriter(dir); err != nil {
				return err
			}
		}
		if err := dw.Add(rev.key, rev.data); err != nil {
			return err
		}
		if err := hw.Add(rev.key, rev.info); err != nil {
			return err
		}
		sum.Packed++
		if opts.MaxPackSize > 0 && dw.Size() >= uint64(opts.MaxPackSize) {
			if err := flushPair(); err != nil {
				return err
			}
		}
	}
	if dw != nil {
		return flushPair()
	}
	return nil
}

// retire removes what the published packs superseded: the folded loose
// files always, the input packs on a full repack. Already-missing files
// are tolerated, so racing cleanups cannot fail a run.
func retire(st *store.Store, opts Options, revs []revision, sum *Summary) error {
	var looseKeys []object.Key
	for _, rev := range revs {
		if st.Loose().Contains(rev.key) {
			looseKeys = append(looseKeys, rev.key)
		}
	}
	if err := st.Loose().Remove(looseKeys); err != nil {
		return err
	}
	sum.PrunedLoose = len(looseKeys)
	opts.Metrics.addPruned("loose", sum.PrunedLoose)

	if opts.Incremental {
		return nil
	}

	outputs := make(map[string]bool, 2*(len(sum.DataPacks)+len(sum.HistoryPacks)))
	for _, name := range sum.DataPacks {
		outputs[name+pack.KindData.PackSuffix()] = true
		outputs[name+pack.KindData.IndexSuffix()] = true
	}
	for _, name := range sum.HistoryPacks {
		outputs[name+pack.KindHistory.PackSuffix()] = true
		outputs[name+pack.KindHistory.IndexSuffix()] = true
	}

	entries, err := os.ReadDir(st.PackDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("scan pack dir: %w", err)
	}
	prunedIndexes := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || outputs[name] {
			continue
		}
		isPack := false
		if _, ok := pack.KindOfFile(name); ok {
			isPack = true
		} else if !strings.HasSuffix(name, pack.KindData.IndexSuffix()) &&
			!strings.HasSuffix(name, pack.KindHistory.IndexSuffix()) {
			continue
		}
		if err := os.Remove(filepath.Join(st.PackDir(), name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("retire %s: %w", name, err)
		}
		if isPack {
			sum.PrunedPacks++
		} else {
			prunedIndexes++
		}
	}
	opts.Metrics.addPruned("pack", sum.PrunedPacks)
	opts.Metrics.addPruned("index", prunedIndexes)
	return nil
}

// sweepTemps removes `.tmp-` files old enough that no live writer can
// still own them.
func sweepTemps(packDir string, now time.Time, log *zap.Logger) (int, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan pack dir: %w", err)
	}
	swept := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ".tmp-") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(filepath.Join(packDir, name)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn("stale temp file not removed",
					zap.String("file", name),
					zap.Error(err))
			}
			continue
		}
		swept++
	}
	return swept, nil
}
