package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"terrainstream/internal/world"
)

// LevelStore keeps record frames in a goleveldb database. Keys are stored
// big-endian so iteration follows key order.
type LevelStore struct {
	db    *leveldb.DB
	codec *Codec
}

// OpenLevelStore opens or creates the database directory at path.
func OpenLevelStore(path string, codec *Codec) (*LevelStore, error) {
	if path == "" {
		return nil, errors.New("leveldb store needs a path")
	}
	if codec == nil {
		return nil, errors.New("leveldb store needs a codec")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db, codec: codec}, nil
}

func levelKey(key world.ChunkKey) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(key))
	return b
}

func (s *LevelStore) Get(key world.ChunkKey) (Record, bool, error) {
	data, err := s.db.Get(levelKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("leveldb get %s: %w", key.Name(), err)
	}
	r, err := s.codec.Unmarshal(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", key.Name(), err)
	}
	return r, true, nil
}

func (s *LevelStore) Put(r Record) error {
	data, err := s.codec.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.db.Put(levelKey(r.Key), data, nil); err != nil {
		return fmt.Errorf("leveldb put %s: %w", r.Key.Name(), err)
	}
	return nil
}

func (s *LevelStore) Delete(key world.ChunkKey) error {
	if err := s.db.Delete(levelKey(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %s: %w", key.Name(), err)
	}
	return nil
}

func (s *LevelStore) ForEach(fn func(Record) bool) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		r, err := s.codec.Unmarshal(iter.Value())
		if err != nil {
			return fmt.Errorf("decode record %x: %w", iter.Key(), err)
		}
		if !fn(r) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate leveldb: %w", err)
	}
	return nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
