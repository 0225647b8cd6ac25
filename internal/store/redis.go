package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veldra/calhub/internal/model"
)

// Redis key layout. Everything lives under the sync: prefix; per-agent keys
// embed the agent ID.
const (
	keyConfiguration = "sync:configuration"
	keyLatestResult  = "sync:latest_result"
	keyHistory       = "sync:history"
)

func keyAgentRecord(agentID string) string    { return "sync:agent:" + agentID + ":record" }
func keyAgentEvents(agentID string) string    { return "sync:agent:" + agentID + ":events" }
func keyAgentUpdates(agentID string) string   { return "sync:agent:" + agentID + ":updates" }
func keyAgentPending(agentID string) string   { return "sync:agent:" + agentID + ":pending" }
func keyAgentProcessed(agentID string) string { return "sync:agent:" + agentID + ":processed" }
func keySourceLatest(sourceID string) string  { return "sync:source:" + sourceID + ":latest_result" }
func keySourceHistory(sourceID string) string { return "sync:source:" + sourceID + ":history" }

// RedisStore is the primary backend. Volatile documents carry TTLs: agent
// event snapshots expire after a day, update queues refresh a seven day
// window, the processed log a thirty day one.
type RedisStore struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w: %w", ErrUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

// getJSON loads key into v and reports whether it existed.
func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w: %w", key, ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	return s.setJSON(ctx, keyConfiguration, cfg, 0)
}

func (s *RedisStore) LoadConfiguration(ctx context.Context) (*model.SyncConfiguration, error) {
	var cfg model.SyncConfiguration
	ok, err := s.getJSON(ctx, keyConfiguration, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *RedisStore) SaveAgent(ctx context.Context, agent *model.AgentRecord) error {
	return s.setJSON(ctx, keyAgentRecord(agent.ID), agent, 0)
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*model.AgentRecord, error) {
	var agent model.AgentRecord
	ok, err := s.getJSON(ctx, keyAgentRecord(agentID), &agent)
	if err != nil || !ok {
		return nil, err
	}
	return &agent, nil
}

func (s *RedisStore) ListAgents(ctx context.Context) ([]model.AgentRecord, error) {
	agents := []model.AgentRecord{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "sync:agent:*:record", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan agents: %w: %w", ErrUnavailable, err)
		}
		for _, key := range keys {
			var agent model.AgentRecord
			ok, err := s.getJSON(ctx, key, &agent)
			if err != nil || !ok {
				continue
			}
			agents = append(agents, agent)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *RedisStore) DeleteAgent(ctx context.Context, agentID string) error {
	err := s.client.Del(ctx,
		keyAgentRecord(agentID),
		keyAgentEvents(agentID),
		keyAgentUpdates(agentID),
		keyAgentPending(agentID),
		keyAgentProcessed(agentID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete agent %s: %w: %w", agentID, ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SaveAgentEvents(ctx context.Context, agentID string, events []model.NormalizedEvent) error {
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	return s.setJSON(ctx, keyAgentEvents(agentID), events, EventsTTL)
}

func (s *RedisStore) LoadAgentEvents(ctx context.Context, agentID string) ([]model.NormalizedEvent, error) {
	events := []model.NormalizedEvent{}
	if _, err := s.getJSON(ctx, keyAgentEvents(agentID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *RedisStore) SaveResult(ctx context.Context, res *model.SyncResult) error {
	if err := s.setJSON(ctx, keyLatestResult, res, 0); err != nil {
		return err
	}
	return s.pushHistory(ctx, keyHistory, res, HistoryLimit)
}

func (s *RedisStore) pushHistory(ctx context.Context, key string, res *model.SyncResult, keep int) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w: %w", key, ErrUnavailable, err)
	}
	if err := s.client.LTrim(ctx, key, 0, int64(keep-1)).Err(); err != nil {
		return fmt.Errorf("trim %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) LatestResult(ctx context.Context) (*model.SyncResult, error) {
	var res model.SyncResult
	ok, err := s.getJSON(ctx, keyLatestResult, &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

func (s *RedisStore) History(ctx context.Context, limit int) ([]model.SyncResult, error) {
	return s.rangeHistory(ctx, keyHistory, limit, HistoryLimit)
}

func (s *RedisStore) rangeHistory(ctx context.Context, key string, limit, bound int) ([]model.SyncResult, error) {
	if limit <= 0 || limit > bound {
		limit = bound
	}
	raw, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w: %w", key, ErrUnavailable, err)
	}
	results := []model.SyncResult{}
	for _, item := range raw {
		var res model.SyncResult
		if err := json.Unmarshal([]byte(item), &res); err != nil {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *RedisStore) SaveSourceResult(ctx context.Context, sourceID string, res *model.SyncResult) error {
	if err := s.setJSON(ctx, keySourceLatest(sourceID), res, 0); err != nil {
		return err
	}
	return s.pushHistory(ctx, keySourceHistory(sourceID), res, SourceHistoryLimit)
}

func (s *RedisStore) LatestSourceResult(ctx context.Context, sourceID string) (*model.SyncResult, error) {
	var res model.SyncResult
	ok, err := s.getJSON(ctx, keySourceLatest(sourceID), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

func (s *RedisStore) SourceHistory(ctx context.Context, sourceID string, limit int) ([]model.SyncResult, error) {
	return s.rangeHistory(ctx, keySourceHistory(sourceID), limit, SourceHistoryLimit)
}

func (s *RedisStore) EnqueueUpdate(ctx context.Context, update *model.PendingUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	updatesKey := keyAgentUpdates(update.AgentID)
	pendingKey := keyAgentPending(update.AgentID)
	if err := s.client.HSet(ctx, updatesKey, update.ID, data).Err(); err != nil {
		return fmt.Errorf("store update: %w: %w", ErrUnavailable, err)
	}
	if err := s.client.RPush(ctx, pendingKey, update.ID).Err(); err != nil {
		return fmt.Errorf("enqueue update: %w: %w", ErrUnavailable, err)
	}
	s.client.Expire(ctx, updatesKey, UpdatesTTL)
	s.client.Expire(ctx, pendingKey, UpdatesTTL)
	return nil
}

func (s *RedisStore) PendingUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error) {
	pendingKey := keyAgentPending(agentID)
	ids, err := s.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range pending: %w: %w", ErrUnavailable, err)
	}
	updates := []model.PendingUpdate{}
	if len(ids) == 0 {
		return updates, nil
	}
	raw, err := s.client.HMGet(ctx, keyAgentUpdates(agentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load updates: %w: %w", ErrUnavailable, err)
	}
	for _, item := range raw {
		text, ok := item.(string)
		if !ok {
			continue
		}
		var u model.PendingUpdate
		if err := json.Unmarshal([]byte(text), &u); err != nil {
			continue
		}
		updates = append(updates, u)
	}
	// Reading the queue keeps a live agent's updates from expiring under it.
	s.client.Expire(ctx, keyAgentUpdates(agentID), UpdatesTTL)
	s.client.Expire(ctx, pendingKey, UpdatesTTL)
	return updates, nil
}

func (s *RedisStore) AckUpdate(ctx context.Context, agentID, updateID string) (bool, error) {
	updatesKey := keyAgentUpdates(agentID)
	data, err := s.client.HGet(ctx, updatesKey, updateID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load update %s: %w: %w", updateID, ErrUnavailable, err)
	}
	var u model.PendingUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return false, fmt.Errorf("decode update %s: %w", updateID, err)
	}

	now := time.Now().UTC()
	u.ProcessedAt = &now
	processed, err := json.Marshal(&u)
	if err != nil {
		return false, fmt.Errorf("encode update %s: %w", updateID, err)
	}
	processedKey := keyAgentProcessed(agentID)
	if err := s.client.HSet(ctx, processedKey, updateID, processed).Err(); err != nil {
		return false, fmt.Errorf("store processed update: %w: %w", ErrUnavailable, err)
	}
	s.client.Expire(ctx, processedKey, ProcessedTTL)
	if err := s.client.HDel(ctx, updatesKey, updateID).Err(); err != nil {
		return false, fmt.Errorf("clear update: %w: %w", ErrUnavailable, err)
	}
	if err := s.client.LRem(ctx, keyAgentPending(agentID), 0, updateID).Err(); err != nil {
		return false, fmt.Errorf("dequeue update: %w: %w", ErrUnavailable, err)
	}
	return true, nil
}

func (s *RedisStore) ProcessedUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error) {
	raw, err := s.client.HGetAll(ctx, keyAgentProcessed(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load processed updates: %w: %w", ErrUnavailable, err)
	}
	updates := []model.PendingUpdate{}
	for _, item := range raw {
		var u model.PendingUpdate
		if err := json.Unmarshal([]byte(item), &u); err != nil {
			continue
		}
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].CreatedAt.Before(updates[j].CreatedAt) })
	return updates, nil
}
