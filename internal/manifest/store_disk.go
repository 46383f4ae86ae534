package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"terrainstream/internal/world"
)

const (
	diskOpDelete byte = 0
	diskOpSet    byte = 1

	// [op uint8][key uint32 LE][size uint32 LE]
	diskHeaderSize = 9
)

type diskRecordMeta struct {
	offset int64
	size   uint32
}

// DiskStore is an append-only log of compressed record frames. The latest
// entry for a key wins; deletes are tombstones.
type DiskStore struct {
	codec  *Codec
	path   string
	logger *slog.Logger

	file    *os.File
	mu      sync.RWMutex
	records map[world.ChunkKey]diskRecordMeta
	// stale counts log entries shadowed by later writes or tombstones.
	stale int
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithDiskLogger sets the logger used for recovery and skipped records.
func WithDiskLogger(logger *slog.Logger) DiskOption {
	return func(s *DiskStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OpenDiskStore opens or creates the log at path and indexes its entries.
// A torn entry at the end of the log is cut off.
func OpenDiskStore(path string, codec *Codec, opts ...DiskOption) (*DiskStore, error) {
	if path == "" {
		return nil, errors.New("disk store needs a path")
	}
	if codec == nil {
		return nil, errors.New("disk store needs a codec")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store file: %w", err)
	}
	s := &DiskStore{
		codec:   codec,
		path:    path,
		logger:  slog.Default(),
		file:    f,
		records: make(map[world.ChunkKey]diskRecordMeta),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("store", path)
	if err := s.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) loadIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}
	fileSize := info.Size()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind store file: %w", err)
	}

	header := make([]byte, diskHeaderSize)
	var offset int64
	for offset < fileSize {
		if offset+diskHeaderSize > fileSize {
			break
		}
		if _, err := io.ReadFull(s.file, header); err != nil {
			return fmt.Errorf("read record header at %d: %w", offset, err)
		}
		op := header[0]
		key := world.ChunkKey(binary.LittleEndian.Uint32(header[1:5]))
		size := binary.LittleEndian.Uint32(header[5:9])
		end := offset + diskHeaderSize + int64(size)
		if end > fileSize {
			break
		}

		if _, err := s.file.Seek(int64(size), io.SeekCurrent); err != nil {
			return fmt.Errorf("seek past payload: %w", err)
		}
		if _, ok := s.records[key]; ok {
			s.stale++
		}
		if op == diskOpSet {
			s.records[key] = diskRecordMeta{offset: offset, size: size}
		} else {
			delete(s.records, key)
			s.stale++
		}
		offset = end
	}

	if offset < fileSize {
		// Appends must start on a frame boundary.
		s.logger.Warn("truncating torn record", "offset", offset, "dropped", fileSize-offset)
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn record: %w", err)
		}
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync store file: %w", err)
		}
	}
	return nil
}

func (s *DiskStore) Get(key world.ChunkKey) (Record, bool, error) {
	s.mu.RLock()
	meta, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}

	payload := make([]byte, meta.size)
	if _, err := s.file.ReadAt(payload, meta.offset+diskHeaderSize); err != nil {
		return Record{}, false, fmt.Errorf("read payload at %d: %w", meta.offset, err)
	}
	r, err := s.codec.Unmarshal(payload)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", key.Name(), err)
	}
	return r, true, nil
}

func (s *DiskStore) Put(r Record) error {
	payload, err := s.codec.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	offset, err := s.appendLocked(diskOpSet, r.Key, payload)
	if err != nil {
		return err
	}
	if _, ok := s.records[r.Key]; ok {
		s.stale++
	}
	s.records[r.Key] = diskRecordMeta{offset: offset, size: uint32(len(payload))}
	return nil
}

func (s *DiskStore) Delete(key world.ChunkKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appendLocked(diskOpDelete, key, nil); err != nil {
		return err
	}
	if _, ok := s.records[key]; ok {
		s.stale++
	}
	delete(s.records, key)
	s.stale++
	return nil
}

func (s *DiskStore) appendLocked(op byte, key world.ChunkKey, payload []byte) (int64, error) {
	header := make([]byte, diskHeaderSize)
	header[0] = op
	binary.LittleEndian.PutUint32(header[1:5], uint32(key))
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))

	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek store end: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	if _, err := s.file.Write(payload); err != nil {
		return 0, fmt.Errorf("write payload: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync store file: %w", err)
	}
	return offset, nil
}

func (s *DiskStore) ForEach(fn func(Record) bool) error {
	s.mu.RLock()
	keys := make([]world.ChunkKey, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		r, ok, err := s.Get(key)
		if err != nil {
			s.logger.Warn("skip record", "chunk", key.Name(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !fn(r) {
			break
		}
	}
	return nil
}

// Len reports the number of live records.
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stale reports how many log entries Compact would drop.
func (s *DiskStore) Stale() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Compact rewrites the log with only the live records and swaps it in
// place of the current file.
func (s *DiskStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale == 0 {
		return nil
	}

	keys := make([]world.ChunkKey, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	records := make(map[world.ChunkKey]diskRecordMeta, len(keys))
	header := make([]byte, diskHeaderSize)
	var offset int64
	for _, key := range keys {
		meta := s.records[key]
		payload := make([]byte, meta.size)
		if _, err := s.file.ReadAt(payload, meta.offset+diskHeaderSize); err != nil {
			return abort(fmt.Errorf("read payload at %d: %w", meta.offset, err))
		}
		header[0] = diskOpSet
		binary.LittleEndian.PutUint32(header[1:5], uint32(key))
		binary.LittleEndian.PutUint32(header[5:9], meta.size)
		if _, err := tmp.Write(header); err != nil {
			return abort(fmt.Errorf("write header: %w", err))
		}
		if _, err := tmp.Write(payload); err != nil {
			return abort(fmt.Errorf("write payload: %w", err))
		}
		records[key] = diskRecordMeta{offset: offset, size: meta.size}
		offset += diskHeaderSize + int64(meta.size)
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync compacted log: %w", err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return abort(fmt.Errorf("replace log: %w", err))
	}

	dropped := s.stale
	s.file.Close()
	s.file = tmp
	s.records = records
	s.stale = 0
	s.logger.Info("log compacted", "records", len(records), "dropped", dropped, "bytes", offset)
	return nil
}

func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
