package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps one JSON blob per item under the collection
// directory and ranks in Go. Slower than the SQLite backend but has
// no native dependencies and the blobs are trivially inspectable.
type FileStore struct {
	mu  sync.RWMutex
	dir string
	dim int
	log *zap.Logger
}

// fileItem is the on-disk form of one stored vector.
type fileItem struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// NewFileStore opens (or creates) a file-backed collection under
// root/collection. dim <= 0 defaults to DefaultDimension.
func NewFileStore(root, collection string, dim int, log *zap.Logger) (*FileStore, error) {
	if dim <= 0 {
		dim = DefaultDimension
	}
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Join(root, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vector: create collection dir: %w", err)
	}
	return &FileStore{dir: dir, dim: dim, log: log}, nil
}

func (s *FileStore) itemPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) writeItem(item *fileItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("vector: encode %s: %w", item.ID, err)
	}
	path := s.itemPath(item.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vector: write %s: %w", item.ID, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) readItem(id string) (*fileItem, error) {
	data, err := os.ReadFile(s.itemPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vector: read %s: %w", id, err)
	}
	var item fileItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("vector: decode %s: %w", id, err)
	}
	return &item, nil
}

// readAllLocked loads every item, skipping corrupt blobs.
func (s *FileStore) readAllLocked() ([]*fileItem, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("vector: list collection: %w", err)
	}
	var items []*fileItem
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		item, err := s.readItem(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("vector: skipping unreadable blob", zap.String("file", name), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *FileStore) Insert(ctx context.Context, vectors [][]float32, ids []string, payloads []map[string]any) error {
	if len(vectors) != len(ids) || len(ids) != len(payloads) {
		return fmt.Errorf("vector: insert length mismatch: %d vectors, %d ids, %d payloads",
			len(vectors), len(ids), len(payloads))
	}
	for _, v := range vectors {
		if err := checkDim(v, s.dim); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range ids {
		item := &fileItem{ID: ids[i], Vector: vectors[i], Payload: payloads[i]}
		if err := s.writeItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Search(ctx context.Context, query []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	if err := checkDim(query, s.dim); err != nil {
		return nil, err
	}

	s.mu.RLock()
	items, err := s.readAllLocked()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, item := range items {
		if !matchesFilters(item.Payload, filters) {
			continue
		}
		out = append(out, SearchResult{
			ID:      item.ID,
			Score:   cosineSimilarity(query, item.Vector),
			Payload: item.Payload,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) KeywordSearch(ctx context.Context, query string, limit int, filters map[string]any) ([]SearchResult, error) {
	candidates, _, err := s.List(ctx, filters, 0)
	if err != nil {
		return nil, err
	}
	return rankByKeywords(query, candidates, limit), nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, err := s.readItem(id)
	if err != nil {
		return nil, err
	}
	return &SearchResult{ID: item.ID, Payload: item.Payload}, nil
}

func (s *FileStore) Update(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if vector != nil {
		if err := checkDim(vector, s.dim); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.readItem(id)
	if err != nil {
		return err
	}
	if vector != nil {
		item.Vector = vector
	}
	item.Payload = payload
	return s.writeItem(item)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.itemPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) DeleteCol(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("vector: drop collection: %w", err)
	}
	return os.MkdirAll(s.dir, 0o755)
}

func (s *FileStore) List(ctx context.Context, filters map[string]any, limit int) ([]SearchResult, int, error) {
	s.mu.RLock()
	items, err := s.readAllLocked()
	s.mu.RUnlock()
	if err != nil {
		return nil, 0, err
	}

	var out []SearchResult
	total := 0
	for _, item := range items {
		if !matchesFilters(item.Payload, filters) {
			continue
		}
		total++
		if limit <= 0 || len(out) < limit {
			out = append(out, SearchResult{ID: item.ID, Payload: item.Payload})
		}
	}
	return out, total, nil
}

func (s *FileStore) GetByAgent(ctx context.Context, agentID string) ([]SearchResult, error) {
	out, _, err := s.List(ctx, map[string]any{"agentId": agentID}, 0)
	return out, err
}

func (s *FileStore) Stats(ctx context.Context) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("vector: stats: %w", err)
	}
	count := 0
	var bytes int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		count++
		if info, err := entry.Info(); err == nil {
			bytes += info.Size()
		}
	}
	return count, bytes, nil
}

func (s *FileStore) Close() error {
	return nil
}
