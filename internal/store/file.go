package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// FileStore keeps every logical key in one JSON file under a root directory.
// It is the degraded fallback when Redis is not available, so it depends on
// nothing but the filesystem. Writes go through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	root string
}

func OpenFile(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root not configured")
	}
	for _, dir := range []string{root, filepath.Join(root, "history"), filepath.Join(root, "agent_updates")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// safeSegment rejects identifiers that would escape the storage root when
// used as a path component.
func safeSegment(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("unsafe identifier %q", id)
	}
	return nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON loads path into v. Missing files return os.ErrNotExist untouched
// so callers can map absence to (nil, nil).
func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "sync_config.json"), cfg)
}

func (s *FileStore) LoadConfiguration(ctx context.Context) (*model.SyncConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg model.SyncConfiguration
	err := s.readJSON(filepath.Join(s.root, "sync_config.json"), &cfg)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &cfg, nil
}

func (s *FileStore) SaveAgent(ctx context.Context, agent *model.AgentRecord) error {
	if err := safeSegment(agent.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "agent_"+agent.ID+".json"), agent)
}

func (s *FileStore) GetAgent(ctx context.Context, agentID string) (*model.AgentRecord, error) {
	if err := safeSegment(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var agent model.AgentRecord
	err := s.readJSON(filepath.Join(s.root, "agent_"+agentID+".json"), &agent)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	return &agent, nil
}

func (s *FileStore) ListAgents(ctx context.Context) ([]model.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	agents := []model.AgentRecord{}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "agent_") || !strings.HasSuffix(name, ".json") ||
			strings.HasSuffix(name, "_events.json") {
			continue
		}
		var agent model.AgentRecord
		if err := s.readJSON(filepath.Join(s.root, name), &agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *FileStore) DeleteAgent(ctx context.Context, agentID string) error {
	if err := safeSegment(agentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range []string{
		filepath.Join(s.root, "agent_"+agentID+".json"),
		filepath.Join(s.root, "agent_"+agentID+"_events.json"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete agent %s: %w", agentID, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(s.root, "agent_updates", agentID)); err != nil {
		return fmt.Errorf("delete agent updates %s: %w", agentID, err)
	}
	return nil
}

func (s *FileStore) SaveAgentEvents(ctx context.Context, agentID string, events []model.NormalizedEvent) error {
	if err := safeSegment(agentID); err != nil {
		return err
	}
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "agent_"+agentID+"_events.json"), events)
}

func (s *FileStore) LoadAgentEvents(ctx context.Context, agentID string) ([]model.NormalizedEvent, error) {
	if err := safeSegment(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []model.NormalizedEvent
	err := s.readJSON(filepath.Join(s.root, "agent_"+agentID+"_events.json"), &events)
	if os.IsNotExist(err) {
		return []model.NormalizedEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agent events %s: %w", agentID, err)
	}
	return events, nil
}

func resultFilename(res *model.SyncResult) string {
	return fmt.Sprintf("sync_%019d.json", res.StartedAt.UTC().UnixNano())
}

func (s *FileStore) SaveResult(ctx context.Context, res *model.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(filepath.Join(s.root, "latest_sync.json"), res); err != nil {
		return err
	}
	dir := filepath.Join(s.root, "history")
	if err := s.writeJSON(filepath.Join(dir, resultFilename(res)), res); err != nil {
		return err
	}
	return s.trimHistory(dir, HistoryLimit)
}

func (s *FileStore) LatestResult(ctx context.Context) (*model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadResult(filepath.Join(s.root, "latest_sync.json"))
}

func (s *FileStore) History(ctx context.Context, limit int) ([]model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadHistory(filepath.Join(s.root, "history"), limit, HistoryLimit)
}

func (s *FileStore) SaveSourceResult(ctx context.Context, sourceID string, res *model.SyncResult) error {
	if err := safeSegment(sourceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(filepath.Join(s.root, "source_"+sourceID+"_latest_sync.json"), res); err != nil {
		return err
	}
	dir := filepath.Join(s.root, "history", sourceID)
	if err := s.writeJSON(filepath.Join(dir, resultFilename(res)), res); err != nil {
		return err
	}
	return s.trimHistory(dir, SourceHistoryLimit)
}

func (s *FileStore) LatestSourceResult(ctx context.Context, sourceID string) (*model.SyncResult, error) {
	if err := safeSegment(sourceID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadResult(filepath.Join(s.root, "source_"+sourceID+"_latest_sync.json"))
}

func (s *FileStore) SourceHistory(ctx context.Context, sourceID string, limit int) ([]model.SyncResult, error) {
	if err := safeSegment(sourceID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadHistory(filepath.Join(s.root, "history", sourceID), limit, SourceHistoryLimit)
}

func (s *FileStore) loadResult(path string) (*model.SyncResult, error) {
	var res model.SyncResult
	err := s.readJSON(path, &res)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	return &res, nil
}

// historyFiles returns sync_*.json names newest first. The nanosecond stamp
// in the name is zero padded, so lexical order is chronological.
func historyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sync_") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *FileStore) loadHistory(dir string, limit, bound int) ([]model.SyncResult, error) {
	if limit <= 0 || limit > bound {
		limit = bound
	}
	names, err := historyFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	results := []model.SyncResult{}
	for _, name := range names {
		if len(results) >= limit {
			break
		}
		var res model.SyncResult
		if err := s.readJSON(filepath.Join(dir, name), &res); err != nil {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *FileStore) trimHistory(dir string, keep int) error {
	names, err := historyFiles(dir)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	for _, name := range names[min(keep, len(names)):] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return nil
}

func (s *FileStore) updatesDir(agentID string) string {
	return filepath.Join(s.root, "agent_updates", agentID)
}

func (s *FileStore) EnqueueUpdate(ctx context.Context, update *model.PendingUpdate) error {
	if err := safeSegment(update.AgentID); err != nil {
		return err
	}
	if err := safeSegment(update.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.updatesDir(update.AgentID)
	if err := s.writeJSON(filepath.Join(dir, "update_"+update.ID+".json"), update); err != nil {
		return err
	}
	ids, err := s.pendingIDs(dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == update.ID {
			return nil
		}
	}
	return s.writeJSON(filepath.Join(dir, "pending.json"), append(ids, update.ID))
}

func (s *FileStore) pendingIDs(dir string) ([]string, error) {
	var ids []string
	err := s.readJSON(filepath.Join(dir, "pending.json"), &ids)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending index: %w", err)
	}
	return ids, nil
}

func (s *FileStore) PendingUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error) {
	if err := safeSegment(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.updatesDir(agentID)
	ids, err := s.pendingIDs(dir)
	if err != nil {
		return nil, err
	}
	updates := []model.PendingUpdate{}
	for _, id := range ids {
		var u model.PendingUpdate
		if err := s.readJSON(filepath.Join(dir, "update_"+id+".json"), &u); err != nil {
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (s *FileStore) AckUpdate(ctx context.Context, agentID, updateID string) (bool, error) {
	if err := safeSegment(agentID); err != nil {
		return false, err
	}
	if err := safeSegment(updateID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.updatesDir(agentID)
	path := filepath.Join(dir, "update_"+updateID+".json")
	var u model.PendingUpdate
	err := s.readJSON(path, &u)
	if os.IsNotExist(err) {
		// Already processed or never existed; acking twice is a no-op.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load update %s: %w", updateID, err)
	}

	now := time.Now().UTC()
	u.ProcessedAt = &now
	processedDir := filepath.Join(dir, "processed")
	if err := s.writeJSON(filepath.Join(processedDir, "update_"+updateID+".json"), &u); err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove update %s: %w", updateID, err)
	}

	ids, err := s.pendingIDs(dir)
	if err != nil {
		return false, err
	}
	remaining := ids[:0]
	for _, id := range ids {
		if id != updateID {
			remaining = append(remaining, id)
		}
	}
	if err := s.writeJSON(filepath.Join(dir, "pending.json"), remaining); err != nil {
		return false, err
	}
	s.pruneProcessed(processedDir, now)
	return true, nil
}

// pruneProcessed keeps the processed log bounded the way the Redis TTL
// does: entries older than ProcessedTTL are dropped.
func (s *FileStore) pruneProcessed(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		var u model.PendingUpdate
		if err := s.readJSON(path, &u); err != nil {
			continue
		}
		if u.ProcessedAt != nil && now.Sub(*u.ProcessedAt) > ProcessedTTL {
			os.Remove(path)
		}
	}
}

func (s *FileStore) ProcessedUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error) {
	if err := safeSegment(agentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.updatesDir(agentID), "processed")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []model.PendingUpdate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list processed updates: %w", err)
	}
	updates := []model.PendingUpdate{}
	for _, entry := range entries {
		var u model.PendingUpdate
		if err := s.readJSON(filepath.Join(dir, entry.Name()), &u); err != nil {
			continue
		}
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].CreatedAt.Before(updates[j].CreatedAt) })
	return updates, nil
}
