package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键空间：
//
//	schema:version                     → "1"
//	mq:<id>                            → QueuedMutation JSON
//	mqt:<ts>:<id>                      → id（timestamp 索引）
//	mqs:<status>:<ts>:<id>             → id（status 索引，组内仍按时间排序）
//	cd:<url>                           → CachedData JSON
//	cdt:<ts>:<url>                     → url（timestamp 索引）
//	cdy:<type>:<url>                   → url（type 索引）
//
// <ts> 为 20 位补零的 unix 毫秒，保证字典序即时间序。
const (
	schemaKey     = "schema:version"
	schemaVersion = "1"
)

type levelStore struct {
	db    *leveldb.DB
	ready atomic.Bool
}

// OpenLevelDB 打开（或创建）dir 下的 leveldb 数据库。
func OpenLevelDB(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	s := &levelStore{db: db}
	if _, err := db.Get([]byte(schemaKey), nil); err == nil {
		s.ready.Store(true)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		db.Close()
		return nil, fmt.Errorf("probing schema: %w", err)
	}
	return s, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (s *levelStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Put([]byte(schemaKey), []byte(schemaVersion), nil); err != nil {
		return fmt.Errorf("writing schema marker: %w", err)
	}
	s.ready.Store(true)
	return nil
}

func (s *levelStore) AddMutation(ctx context.Context, m QueuedMutation) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Body = normalizeBody(m.Body)

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	exists, err := tr.Has(mutationKey(m.ID), nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	if err := putMutation(tr, m); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *levelStore) Mutation(ctx context.Context, id string) (QueuedMutation, error) {
	if err := s.check(ctx); err != nil {
		return QueuedMutation{}, err
	}
	raw, err := s.db.Get(mutationKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return QueuedMutation{}, ErrNotFound
	}
	if err != nil {
		return QueuedMutation{}, err
	}
	var m QueuedMutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return QueuedMutation{}, fmt.Errorf("decoding mutation %s: %w", id, err)
	}
	return m, nil
}

func (s *levelStore) MutationsByStatus(ctx context.Context, status MutationStatus) ([]QueuedMutation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	prefix := "mqt:"
	if status != "" {
		prefix = "mqs:" + string(status) + ":"
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var result []QueuedMutation
	for iter.Next() {
		raw, err := snap.Get(mutationKey(string(iter.Value())), nil)
		if err != nil {
			return nil, fmt.Errorf("index points to missing mutation %s: %w", iter.Value(), err)
		}
		var m QueuedMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, iter.Error()
}

func (s *levelStore) ResolveMutation(ctx context.Context, id string, status MutationStatus, resolvedAt time.Time, errMsg string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkResolution(status); err != nil {
		return err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	raw, err := tr.Get(mutationKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var m QueuedMutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
	}

	if err := tr.Delete(statusIndexKey(m.Status, m.Timestamp, m.ID), nil); err != nil {
		return err
	}
	resolved := resolvedAt.UTC()
	m.Status = status
	m.ResolvedAt = &resolved
	m.Error = errMsg
	if err := putMutation(tr, m); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *levelStore) PutCachedData(ctx context.Context, data CachedData) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if data.Type == "" {
		data.Type = TypeEmergency
	}
	data.Data = normalizeBody(data.Data)

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	if raw, err := tr.Get(cachedKey(data.URL), nil); err == nil {
		var prev CachedData
		if json.Unmarshal(raw, &prev) == nil {
			_ = tr.Delete([]byte(fmt.Sprintf("cdt:%s:%s", tsKey(prev.Timestamp), prev.URL)), nil)
			_ = tr.Delete([]byte(fmt.Sprintf("cdy:%s:%s", prev.Type, prev.URL)), nil)
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := tr.Put(cachedKey(data.URL), encoded, nil); err != nil {
		return err
	}
	if err := tr.Put([]byte(fmt.Sprintf("cdt:%s:%s", tsKey(data.Timestamp), data.URL)), []byte(data.URL), nil); err != nil {
		return err
	}
	if err := tr.Put([]byte(fmt.Sprintf("cdy:%s:%s", data.Type, data.URL)), []byte(data.URL), nil); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *levelStore) CachedData(ctx context.Context, url string) (CachedData, error) {
	if err := s.check(ctx); err != nil {
		return CachedData{}, err
	}
	raw, err := s.db.Get(cachedKey(url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CachedData{}, ErrNotFound
	}
	if err != nil {
		return CachedData{}, err
	}
	var data CachedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return CachedData{}, fmt.Errorf("decoding cached data %s: %w", url, err)
	}
	return data, nil
}

func (s *levelStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.ready.Load() {
		return ErrSchemaMissing
	}
	return nil
}

func putMutation(tr *leveldb.Transaction, m QueuedMutation) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := tr.Put(mutationKey(m.ID), encoded, nil); err != nil {
		return err
	}
	if err := tr.Put([]byte(fmt.Sprintf("mqt:%s:%s", tsKey(m.Timestamp), m.ID)), []byte(m.ID), nil); err != nil {
		return err
	}
	return tr.Put(statusIndexKey(m.Status, m.Timestamp, m.ID), []byte(m.ID), nil)
}

func mutationKey(id string) []byte {
	return []byte("mq:" + id)
}

func statusIndexKey(status MutationStatus, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("mqs:%s:%s:%s", status, tsKey(ts), id))
}

func cachedKey(url string) []byte {
	return []byte("cd:" + url)
}

func tsKey(ts time.Time) string {
	ms := ts.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%020d", ms)
}
