package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Key families. Every key of one instance shares the hash tag {name:id} so
// multi-key transactions stay on one cluster slot.
const (
	infoRunningPrefix  = "r:i:"
	infoDonePrefix     = "d:i:"
	infoErrorPrefix    = "e:i:"
	eventRunningPrefix = "r:e:"
	eventDonePrefix    = "d:e:"
	eventErrorPrefix   = "e:e:"
)

const (
	redisTxRetries    = 10
	redisLogPageSize  = 100
	redisScanPageSize = 100
)

// RedisHistoryOption configures a RedisHistory.
type RedisHistoryOption func(*RedisHistory)

// WithKeyPrefix namespaces every key written by the history.
func WithKeyPrefix(prefix string) RedisHistoryOption {
	return func(h *RedisHistory) {
		h.prefix = prefix
	}
}

// RedisHistory persists saga records and logs in Redis.
//
// A running instance lives under r:i:{name:id} (record, JSON) and
// r:e:{name:id} (log, list of JSON entries). Done moves both to the d:
// family, DiscardDamagedSaga to the e: family.
type RedisHistory struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisHistory creates a history backed by client.
func NewRedisHistory(client redis.UniversalClient, opts ...RedisHistoryOption) *RedisHistory {
	h := &RedisHistory{client: client}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func hashTag(sagaName, id string) string {
	return "{" + sagaName + ":" + id + "}"
}

func (h *RedisHistory) key(family, sagaName, id string) string {
	return h.prefix + family + hashTag(sagaName, id)
}

// SagaID implements History.
func (h *RedisHistory) SagaID(sagaName string, payload Payload) (string, error) {
	return PayloadSagaID(sagaName, payload)
}

// EventLogs implements History. The log length is fixed on the first read,
// so entries appended by the running instance are not read back. Entries
// are fetched in pages.
func (h *RedisHistory) EventLogs(ctx context.Context, sagaName, id string) EventLogIterator {
	return &redisLogIterator{
		client: h.client,
		key:    h.key(eventRunningPrefix, sagaName, id),
		end:    -1,
	}
}

type redisLogIterator struct {
	client redis.UniversalClient
	key    string
	end    int64
	pos    int64
	page   []string
}

func (it *redisLogIterator) Next(ctx context.Context) (EventLog, bool, error) {
	if it.end < 0 {
		n, err := it.client.LLen(ctx, it.key).Result()
		if err != nil {
			return EventLog{}, false, fmt.Errorf("failed to read log length of %s: %w", it.key, err)
		}
		it.end = n
	}
	if len(it.page) == 0 {
		if it.pos >= it.end {
			return EventLog{}, false, nil
		}
		stop := min(it.pos+redisLogPageSize, it.end) - 1
		page, err := it.client.LRange(ctx, it.key, it.pos, stop).Result()
		if err != nil {
			return EventLog{}, false, fmt.Errorf("failed to read log %s: %w", it.key, err)
		}
		if len(page) == 0 {
			it.end = it.pos
			return EventLog{}, false, nil
		}
		it.page = page
	}

	raw := it.page[0]
	it.page = it.page[1:]
	it.pos++

	var l EventLog
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return EventLog{}, false, fmt.Errorf("failed to decode entry %d of %s: %w", it.pos-1, it.key, err)
	}
	return l, true, nil
}

// AllIDs implements History.
func (h *RedisHistory) AllIDs(ctx context.Context, sagaName string) ([]string, error) {
	head := h.prefix + infoRunningPrefix + "{" + sagaName + ":"
	var ids []string
	iter := h.client.Scan(ctx, 0, head+"*", redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !strings.HasPrefix(key, head) || !strings.HasSuffix(key, "}") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, head), "}"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan saga ids of %s: %w", sagaName, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// getter is the part of a client or transaction getInfo reads through.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (h *RedisHistory) getInfo(ctx context.Context, c getter, key string) (*SagaInfo, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info SagaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode saga info %s: %w", key, err)
	}
	return &info, nil
}

// SagaInfo implements History.
func (h *RedisHistory) SagaInfo(ctx context.Context, sagaName, id string) (*SagaInfo, error) {
	info, err := h.getInfo(ctx, h.client, h.key(infoRunningPrefix, sagaName, id))
	if err != nil || info != nil {
		return info, err
	}
	return h.getInfo(ctx, h.client, h.key(infoDonePrefix, sagaName, id))
}

// SaveSagaInfo implements History. The write is read back until it is
// visible, so a failover that drops an acknowledged write does not lose
// the payload.
func (h *RedisHistory) SaveSagaInfo(ctx context.Context, sagaName, id string, payload Payload) (*SagaInfo, error) {
	key := h.key(infoRunningPrefix, sagaName, id)
	info := newSagaInfo(id, payload)
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga info: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		created, err := h.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to save saga info %s: %w", key, err)
		}
		if !created {
			existing, err := h.getInfo(ctx, h.client, key)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
			continue
		}
		n, err := h.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check saga info %s: %w", key, err)
		}
		if n == 1 {
			return info, nil
		}
	}
}

// SaveEventLog implements History.
func (h *RedisHistory) SaveEventLog(ctx context.Context, sagaName, id string, log EventLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode event log: %w", err)
	}
	return h.client.RPush(ctx, h.key(eventRunningPrefix, sagaName, id), data).Err()
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes underneath it.
func (h *RedisHistory) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := h.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v: %w", keys, redis.TxFailedErr)
}

// existing keeps the rename pairs whose source key exists.
func existing(ctx context.Context, tx *redis.Tx, pairs [][2]string) ([][2]string, error) {
	var out [][2]string
	for _, p := range pairs {
		n, err := tx.Exists(ctx, p[0]).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			out = append(out, p)
		}
	}
	return out, nil
}

func renameAll(ctx context.Context, pipe redis.Pipeliner, pairs [][2]string) {
	for _, p := range pairs {
		pipe.Rename(ctx, p[0], p[1])
	}
}

// Done implements History.
func (h *RedisHistory) Done(ctx context.Context, sagaName, id string, ret any) error {
	rInfo := h.key(infoRunningPrefix, sagaName, id)
	rEvent := h.key(eventRunningPrefix, sagaName, id)
	pairs := [][2]string{
		{rInfo, h.key(infoDonePrefix, sagaName, id)},
		{rEvent, h.key(eventDonePrefix, sagaName, id)},
	}

	return h.watch(ctx, func(tx *redis.Tx) error {
		info, err := h.getInfo(ctx, tx, rInfo)
		if err != nil {
			return err
		}
		var data []byte
		if info != nil {
			info.markDone(ret)
			if data, err = json.Marshal(info); err != nil {
				return fmt.Errorf("failed to encode saga info: %w", err)
			}
		}
		moves, err := existing(ctx, tx, pairs)
		if err != nil || (data == nil && len(moves) == 0) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if data != nil {
				pipe.Set(ctx, rInfo, data, 0)
			}
			renameAll(ctx, pipe, moves)
			return nil
		})
		return err
	}, rInfo, rEvent)
}

// Rollback implements History.
func (h *RedisHistory) Rollback(ctx context.Context, sagaName, id string, cause error) error {
	rInfo := h.key(infoRunningPrefix, sagaName, id)

	return h.watch(ctx, func(tx *redis.Tx) error {
		info, err := h.getInfo(ctx, tx, rInfo)
		if err != nil || info == nil {
			return err
		}
		info.markRollback(cause)
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to encode saga info: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rInfo, data, 0)
			return nil
		})
		return err
	}, rInfo)
}

// DiscardDamagedSaga implements History.
func (h *RedisHistory) DiscardDamagedSaga(ctx context.Context, sagaName, id string) error {
	rInfo := h.key(infoRunningPrefix, sagaName, id)
	rEvent := h.key(eventRunningPrefix, sagaName, id)
	pairs := [][2]string{
		{rInfo, h.key(infoErrorPrefix, sagaName, id)},
		{rEvent, h.key(eventErrorPrefix, sagaName, id)},
	}

	return h.watch(ctx, func(tx *redis.Tx) error {
		moves, err := existing(ctx, tx, pairs)
		if err != nil || len(moves) == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			renameAll(ctx, pipe, moves)
			return nil
		})
		return err
	}, rInfo, rEvent)
}
