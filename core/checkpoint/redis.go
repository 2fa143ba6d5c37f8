package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

const defaultRedisPrefix = "portero:checkpoint"

// RedisStore keeps one string key per call plus an active set and a
// finalized sorted set (score = finalized unix time) for recovery and sweep.
// Save is an optimistic transaction over the call key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(callID string) string { return s.prefix + ":call:" + callID }
func (s *RedisStore) activeKey() string              { return s.prefix + ":active" }
func (s *RedisStore) finalizedKey() string           { return s.prefix + ":finalized" }

func (s *RedisStore) Save(ctx context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	callID := state.Call.CallID
	if err := validKey(callID); err != nil {
		return access.CheckpointRecord{}, err
	}
	key := s.recordKey(callID)
	var saved access.CheckpointRecord
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var createdAt time.Time
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			existing, decodeErr := Decode(raw)
			if decodeErr != nil {
				return decodeErr
			}
			if err := checkAdvance(existing, state); err != nil {
				return err
			}
			createdAt = existing.CreatedAt
		case errors.Is(err, redis.Nil):
		default:
			return redisIOError(err, "checkpoint_redis_read_failed")
		}
		record, err := NewRecord(state, createdAt)
		if err != nil {
			return err
		}
		payload, err := Encode(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, s.activeKey(), callID)
			return nil
		})
		if err != nil {
			return err
		}
		saved = record
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return access.CheckpointRecord{}, porterrors.Wrap(fmt.Errorf("%w: concurrent save for call %s", ErrStaleVersion, callID), porterrors.CategoryStateContention, "checkpoint_contention", "another engine instance owns this call", false)
		}
		return access.CheckpointRecord{}, err
	}
	return saved, nil
}

func (s *RedisStore) Load(ctx context.Context, callID string) (access.CheckpointRecord, error) {
	if err := validKey(callID); err != nil {
		return access.CheckpointRecord{}, err
	}
	raw, err := s.client.Get(ctx, s.recordKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return access.CheckpointRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
		}
		return access.CheckpointRecord{}, redisIOError(err, "checkpoint_redis_read_failed")
	}
	return Decode(raw)
}

func (s *RedisStore) Finalize(ctx context.Context, callID string, now time.Time) error {
	if err := validKey(callID); err != nil {
		return err
	}
	key := s.recordKey(callID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, callID)
			}
			return redisIOError(err, "checkpoint_redis_read_failed")
		}
		record, err := Decode(raw)
		if err != nil {
			return err
		}
		if record.Finalized {
			return nil
		}
		finalized := markFinalized(record, normalizeNow(now))
		payload, err := Encode(finalized)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SRem(ctx, s.activeKey(), callID)
			pipe.ZAdd(ctx, s.finalizedKey(), redis.Z{Score: float64(finalized.FinalizedAt.Unix()), Member: callID})
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]access.CheckpointRecord, error) {
	callIDs, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, redisIOError(err, "checkpoint_redis_list_failed")
	}
	records := make([]access.CheckpointRecord, 0, len(callIDs))
	var corrupt []string
	for _, callID := range callIDs {
		record, err := s.Load(ctx, callID)
		if err != nil {
			switch {
			case errors.Is(err, ErrNotFound):
				s.client.SRem(ctx, s.activeKey(), callID)
				continue
			case porterrors.CategoryOf(err) == porterrors.CategoryCheckpointCorrupt:
				corrupt = append(corrupt, callID)
				continue
			}
			return nil, fmt.Errorf("checkpoint %s: %w", callID, err)
		}
		if !record.Finalized {
			records = append(records, record)
		}
	}
	sortRecords(records)
	return records, corruptResult(corrupt)
}

// Quarantine renames the record key out of the call key space and drops it
// from the active set.
func (s *RedisStore) Quarantine(ctx context.Context, callID string, now time.Time) error {
	if err := validKey(callID); err != nil {
		return err
	}
	key := s.recordKey(callID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return redisIOError(err, "checkpoint_redis_read_failed")
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Rename(ctx, key, s.prefix+":quarantine:"+quarantineKey(callID, now))
		pipe.SRem(ctx, s.activeKey(), callID)
		return nil
	})
	if err != nil {
		return redisIOError(err, "checkpoint_redis_quarantine_failed")
	}
	return nil
}

func (s *RedisStore) Sweep(ctx context.Context, finalizedBefore time.Time) (int, error) {
	callIDs, err := s.client.ZRangeByScore(ctx, s.finalizedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(finalizedBefore.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, redisIOError(err, "checkpoint_redis_sweep_failed")
	}
	if len(callIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(callIDs))
	members := make([]any, 0, len(callIDs))
	for _, callID := range callIDs {
		keys = append(keys, s.recordKey(callID))
		members = append(members, callID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.finalizedKey(), members...)
		return nil
	})
	if err != nil {
		return 0, redisIOError(err, "checkpoint_redis_sweep_failed")
	}
	return len(callIDs), nil
}

func redisIOError(err error, code string) error {
	return porterrors.Wrap(err, porterrors.CategoryIOFailure, code, "check redis connectivity", true)
}
