package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/odvcencio/revpack/pkg/object"
	"github.com/odvcencio/revpack/pkg/pack"
)

// Get returns the payload of key. Every byte served is re-verified against
// the node, so a damaged layer can fail a read but never falsify one.
func (s *Store) Get(key object.Key) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}
	}

	data, err := s.getData(key)
	if err != nil {
		return nil, err
	}
	info, err := s.GetNodeInfo(key)
	if err != nil {
		return nil, fmt.Errorf("get %s: history metadata unavailable: %w", key, err)
	}
	if derived := object.DeriveNode(data, info.P1, info.P2); derived != key.Node {
		return nil, fmt.Errorf("get %s: content verifies as %s", key, derived)
	}

	if s.cache != nil {
		s.cache.Add(key, data)
	}
	return data, nil
}

// getData finds the raw payload, packs newest first, then loose. A corrupt
// pack is skipped in lenient mode and fatal in strict mode.
func (s *Store) getData(key object.Key) ([]byte, error) {
	s.mu.RLock()
	for _, p := range s.dataPacks {
		data, err := p.Get(key)
		if err == nil {
			s.mu.RUnlock()
			return data, nil
		}
		if errors.Is(err, object.ErrNotFound) {
			continue
		}
		var corrupt *pack.CorruptError
		if errors.As(err, &corrupt) && !s.opts.Strict {
			s.log.Warn("skipping corrupt pack entry",
				zap.String("pack", p.Name()),
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		s.mu.RUnlock()
		return nil, err
	}
	s.mu.RUnlock()

	data, err := s.loose.Get(key)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return nil, fmt.Errorf("get %s: %w", key, object.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// GetNodeInfo returns the history metadata of key, packs newest first, then
// loose.
func (s *Store) GetNodeInfo(key object.Key) (object.NodeInfo, error) {
	s.mu.RLock()
	for _, p := range s.histPacks {
		info, err := p.GetNodeInfo(key)
		if err == nil {
			s.mu.RUnlock()
			return info, nil
		}
		if errors.Is(err, object.ErrNotFound) {
			continue
		}
		var corrupt *pack.CorruptError
		if errors.As(err, &corrupt) && !s.opts.Strict {
			s.log.Warn("skipping corrupt pack entry",
				zap.String("pack", p.Name()),
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		s.mu.RUnlock()
		return object.NodeInfo{}, err
	}
	s.mu.RUnlock()

	info, err := s.loose.GetNodeInfo(key)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return object.NodeInfo{}, fmt.Errorf("history %s: %w", key, object.ErrNotFound)
		}
		return object.NodeInfo{}, err
	}
	return info, nil
}

// Contains reports whether any layer holds key, without reading payloads.
func (s *Store) Contains(key object.Key) bool {
	return s.ContainsPacked(key) || s.loose.Contains(key)
}

// ContainsPacked reports whether any data pack holds key, ignoring loose
// storage. Repack uses this to skip loose objects that are already durable.
func (s *Store) ContainsPacked(key object.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.dataPacks {
		if p.Contains(key) {
			return true
		}
	}
	return false
}

// PackedKeys lists every revision held by the open data packs, deduplicated
// and in canonical order.
func (s *Store) PackedKeys() ([]object.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[object.Key]bool)
	var out []object.Key
	for _, p := range s.dataPacks {
		keys, err := p.Keys()
		if err != nil {
			if s.opts.Strict {
				return nil, err
			}
			s.log.Warn("skipping unreadable pack during key scan",
				zap.String("pack", p.Name()),
				zap.Error(err))
			continue
		}
		for _, key := range keys {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	object.SortKeys(out)
	return out, nil
}

// GetMeta describes key without materializing its payload where possible.
func (s *Store) GetMeta(key object.Key) (pack.Meta, error) {
	s.mu.RLock()
	for _, p := range s.dataPacks {
		meta, err := p.Meta(key)
		if err == nil {
			s.mu.RUnlock()
			return meta, nil
		}
		if errors.Is(err, object.ErrNotFound) {
			continue
		}
		var corrupt *pack.CorruptError
		if errors.As(err, &corrupt) && !s.opts.Strict {
			s.log.Warn("skipping corrupt pack entry",
				zap.String("pack", p.Name()),
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		s.mu.RUnlock()
		return pack.Meta{}, err
	}
	s.mu.RUnlock()

	data, err := s.loose.Get(key)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return pack.Meta{}, fmt.Errorf("meta %s: %w", key, object.ErrNotFound)
		}
		return pack.Meta{}, err
	}
	return pack.Meta{Size: uint64(len(data))}, nil
}

// Revision pairs a key with its history metadata.
type Revision struct {
	Key  object.Key
	Info object.NodeInfo
}

// GetAncestors walks the first-parent line of key, following copy sources
// across renames. The walk stops at a null parent, at limit entries
// (limit <= 0 means unbounded), or where the chain leaves the store.
func (s *Store) GetAncestors(key object.Key, limit int) ([]Revision, error) {
	var out []Revision
	cur := key
	for limit <= 0 || len(out) < limit {
		info, err := s.GetNodeInfo(cur)
		if err != nil {
			if errors.Is(err, object.ErrNotFound) && len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, Revision{Key: cur, Info: info})
		if info.P1.IsNull() {
			break
		}
		nextPath := cur.Path
		if info.CopyFrom != "" {
			nextPath = info.CopyFrom
		}
		cur = object.Key{Path: nextPath, Node: info.P1}
	}
	return out, nil
}
