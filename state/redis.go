package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisPrefix = "stepflow:state:"

// RedisStore is the distributed Store backend. Records are JSON blobs under
// a data key, with secondary indexes kept as a set per run, a sorted set
// per status (scored by update time) and a sorted set of scheduled retries
// (scored by the not-before timestamp).
type RedisStore struct {
	transitions

	client redis.UniversalClient
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisStore wraps an existing Redis client. An empty keyPrefix falls
// back to "stepflow:state:". The connection is verified with a ping.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidInput)
	}
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := &RedisStore{
		client: client,
		prefix: keyPrefix,
		logger: logger.With(zap.String("component", "state_store"), zap.String("backend", "redis")),
	}
	r.transitions = newTransitions(r)
	return r, nil
}

func (r *RedisStore) dataKey(id string) string   { return r.prefix + "data:" + id }
func (r *RedisStore) runKey(runID string) string { return r.prefix + "run:" + runID }
func (r *RedisStore) statusKey(s Status) string  { return r.prefix + "status:" + string(s) }
func (r *RedisStore) retryKey() string           { return r.prefix + "retry" }

func (r *RedisStore) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

func (r *RedisStore) Create(ctx context.Context, s *StepState) error {
	return r.CreateMany(ctx, []*StepState{s})
}

func (r *RedisStore) CreateMany(ctx context.Context, states []*StepState) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	for _, s := range states {
		if err := validateForCreate(s); err != nil {
			return err
		}
	}
	now := r.now()
	pipe := r.client.TxPipeline()
	for _, s := range states {
		stamp(s, now)
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal step state %s: %w", s.ID, err)
		}
		pipe.Set(ctx, r.dataKey(s.ID), payload, 0)
		pipe.SAdd(ctx, r.runKey(s.RunID), s.ID)
		pipe.ZAdd(ctx, r.statusKey(s.Status), redis.Z{
			Score:  float64(s.UpdatedAt.UnixMilli()),
			Member: s.ID,
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*StepState, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	payload, err := r.client.Get(ctx, r.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var s StepState
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal step state %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Update(ctx context.Context, s *StepState) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: step state with id is required", ErrInvalidInput)
	}
	prev, err := r.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	s.CreatedAt = prev.CreatedAt
	s.UpdatedAt = r.now()
	return r.write(ctx, prev, s)
}

// write persists s and moves the status index entry when the status changed.
func (r *RedisStore) write(ctx context.Context, prev, s *StepState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal step state %s: %w", s.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.dataKey(s.ID), payload, 0)
	if prev != nil && prev.Status != s.Status {
		pipe.ZRem(ctx, r.statusKey(prev.Status), s.ID)
	}
	pipe.ZAdd(ctx, r.statusKey(s.Status), redis.Z{
		Score:  float64(s.UpdatedAt.UnixMilli()),
		Member: s.ID,
	})
	if s.Status == StatusPending && s.Retry.NextRetryAt != nil {
		pipe.ZAdd(ctx, r.retryKey(), redis.Z{
			Score:  float64(s.Retry.NextRetryAt.UnixMilli()),
			Member: s.ID,
		})
	} else {
		pipe.ZRem(ctx, r.retryKey(), s.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.dataKey(id))
	pipe.SRem(ctx, r.runKey(s.RunID), id)
	pipe.ZRem(ctx, r.statusKey(s.Status), id)
	pipe.ZRem(ctx, r.retryKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetByRun(ctx context.Context, runID string) ([]*StepState, error) {
	return r.Query(ctx, Filter{RunID: runID})
}

func (r *RedisStore) GetByRunAsMap(ctx context.Context, runID string) (map[string]*StepState, error) {
	states, err := r.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return indexByStepID(states), nil
}

func (r *RedisStore) DeleteByRun(ctx context.Context, runID string) (int, error) {
	states, err := r.GetByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	for _, s := range states {
		pipe.Del(ctx, r.dataKey(s.ID))
		pipe.ZRem(ctx, r.statusKey(s.Status), s.ID)
		pipe.ZRem(ctx, r.retryKey(), s.ID)
	}
	pipe.Del(ctx, r.runKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(states), nil
}

// Query loads candidates from the narrowest available index, then applies
// the remaining filter fields in memory.
func (r *RedisStore) Query(ctx context.Context, f Filter) ([]*StepState, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	states, err := r.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	matched := states[:0]
	for _, s := range states {
		if f.Matches(s) {
			matched = append(matched, s)
		}
	}
	sortStates(matched, f.OrderBy, f.OrderDesc)
	return paginate(matched, f.Offset, f.Limit), nil
}

func (r *RedisStore) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	if f.RunID != "" {
		return r.client.SMembers(ctx, r.runKey(f.RunID)).Result()
	}
	if len(f.Statuses) > 0 {
		var ids []string
		for _, status := range f.Statuses {
			members, err := r.client.ZRange(ctx, r.statusKey(status), 0, -1).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, members...)
		}
		return ids, nil
	}
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"data:*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, key[len(r.prefix+"data:"):])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func (r *RedisStore) fetch(ctx context.Context, ids []string) ([]*StepState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.dataKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	states := make([]*StepState, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a data key, e.g. a concurrent delete.
			continue
		}
		var s StepState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("unmarshal step state %s: %w", ids[i], err)
		}
		states = append(states, &s)
	}
	return states, nil
}

// GetRetryReady shadows the generic scan with a range over the retry index.
func (r *RedisStore) GetRetryReady(ctx context.Context, limit int) ([]*StepState, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.now().UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.retryKey(), rangeBy).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// backend interface for the shared transition logic.

func (r *RedisStore) load(ctx context.Context, id string) (*StepState, error) {
	return r.Get(ctx, id)
}

func (r *RedisStore) save(ctx context.Context, s *StepState) error {
	prev, err := r.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	return r.write(ctx, prev, s)
}

func (r *RedisStore) list(ctx context.Context, f Filter) ([]*StepState, error) {
	return r.Query(ctx, f)
}

var _ Store = (*RedisStore)(nil)
