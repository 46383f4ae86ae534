package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"terrainstream/internal/world"
)

// Store persists chunk records by key.
type Store interface {
	Get(key world.ChunkKey) (Record, bool, error)
	Put(r Record) error
	Delete(key world.ChunkKey) error
	// ForEach visits records in key order until fn returns false.
	ForEach(fn func(Record) bool) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendDisk    = "disk"
	BackendLevelDB = "leveldb"
)

// ErrUnknownBackend reports an unsupported store backend.
var ErrUnknownBackend = errors.New("unknown store backend")

// Open creates the store selected by backend. Disk and leveldb stores need
// a path; codec may be nil for the memory store. A nil logger means
// slog.Default.
func Open(backend, path string, codec *Codec, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendDisk:
		return OpenDiskStore(path, codec, WithDiskLogger(logger))
	case BackendLevelDB:
		return OpenLevelStore(path, codec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// MemoryStore keeps records in a map. Records are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[world.ChunkKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[world.ChunkKey]Record)}
}

func (s *MemoryStore) Get(key world.ChunkKey) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *MemoryStore) Put(r Record) error {
	s.mu.Lock()
	s.records[r.Key] = r.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key world.ChunkKey) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ForEach(fn func(Record) bool) error {
	s.mu.RLock()
	list := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	for _, r := range list {
		if !fn(r) {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
