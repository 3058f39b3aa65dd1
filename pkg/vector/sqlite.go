package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"go.uber.org/zap"
)

// SQLiteStore stores vectors in SQLite with sqlite-vec providing
// vec_f32 encoding and vec_distance_cosine ranking.
type SQLiteStore struct {
	mu    sync.RWMutex
	db    *sql.DB
	table string
	dim   int
	log   *zap.Logger
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewSQLiteStore opens (or creates) a collection in the database at
// dsn. Use ":memory:" for tests. dim <= 0 defaults to
// DefaultDimension.
func NewSQLiteStore(dsn, collection string, dim int, log *zap.Logger) (*SQLiteStore, error) {
	if !tableNamePattern.MatchString(collection) {
		return nil, fmt.Errorf("vector: invalid collection name %q", collection)
	}
	if dim <= 0 {
		dim = DefaultDimension
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("vector: open database: %w", err)
	}
	// One connection: sqlite is single-writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, table: collection, dim: dim, log: log}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTable() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			vector BLOB NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)
	`, s.table))
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", s.table, err)
	}
	return nil
}

// vecJSON serializes a vector in the JSON form vec_f32 accepts.
func vecJSON(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Insert stores vectors with ids and payloads.
func (s *SQLiteStore) Insert(ctx context.Context, vectors [][]float32, ids []string, payloads []map[string]any) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vector: insert: %w", err)
	}
	defer tx.Rollback()

	for i := range ids {
		payload, err := json.Marshal(payloads[i])
		if err != nil {
			return fmt.Errorf("vector: encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, vector, payload) VALUES (?, vec_f32(?), ?)
			ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload
		`, s.table), ids[i], vecJSON(vectors[i]), string(payload))
		if err != nil {
			return fmt.Errorf("vector: insert %s: %w", ids[i], err)
		}
	}
	return tx.Commit()
}

// Search ranks by cosine similarity, filters applied after ranking.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, limit int, filters map[string]any) ([]SearchResult, error) {
	if err := checkDim(query, s.dim); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, payload, vec_distance_cosine(vector, vec_f32(?)) AS distance
		FROM %s ORDER BY distance ASC
	`, s.table), vecJSON(query))
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id, payload string
		var distance float64
		if err := rows.Scan(&id, &payload, &distance); err != nil {
			return nil, fmt.Errorf("vector: scan result: %w", err)
		}
		r := SearchResult{ID: id, Score: 1 - distance}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			s.log.Warn("vector: skipping row with bad payload", zap.String("id", id), zap.Error(err))
			continue
		}
		if !matchesFilters(r.Payload, filters) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// KeywordSearch is the no-embedder fallback.
func (s *SQLiteStore) KeywordSearch(ctx context.Context, query string, limit int, filters map[string]any) ([]SearchResult, error) {
	candidates, _, err := s.List(ctx, filters, 0)
	if err != nil {
		return nil, err
	}
	return rankByKeywords(query, candidates, limit), nil
}

// Get returns one item by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT payload FROM %s WHERE id = ?
	`, s.table), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vector: get %s: %w", id, err)
	}

	r := &SearchResult{ID: id}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("vector: decode payload %s: %w", id, err)
	}
	return r, nil
}

// Update replaces the payload and, when vector is non-nil, the vector.
// A nil vector keeps the stored one.
func (s *SQLiteStore) Update(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if vector != nil {
		if err := checkDim(vector, s.dim); err != nil {
			return err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vector: encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	if vector != nil {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET vector = vec_f32(?), payload = ? WHERE id = ?
		`, s.table), vecJSON(vector), string(data), id)
	} else {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET payload = ? WHERE id = ?
		`, s.table), string(data), id)
	}
	if err != nil {
		return fmt.Errorf("vector: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one item.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
	if err != nil {
		return fmt.Errorf("vector: delete %s: %w", id, err)
	}
	return nil
}

// DeleteCol drops and recreates the collection.
func (s *SQLiteStore) DeleteCol(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table); err != nil {
		return fmt.Errorf("vector: drop collection: %w", err)
	}
	return s.createTable()
}

// List returns up to limit matching items and the total match count.
func (s *SQLiteStore) List(ctx context.Context, filters map[string]any, limit int) ([]SearchResult, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, payload FROM %s`, s.table))
	if err != nil {
		return nil, 0, fmt.Errorf("vector: list: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	total := 0
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, 0, fmt.Errorf("vector: scan: %w", err)
		}
		r := SearchResult{ID: id}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			s.log.Warn("vector: skipping row with bad payload", zap.String("id", id), zap.Error(err))
			continue
		}
		if !matchesFilters(r.Payload, filters) {
			continue
		}
		total++
		if limit <= 0 || len(out) < limit {
			out = append(out, r)
		}
	}
	return out, total, rows.Err()
}

// GetByAgent returns items whose payload agentId matches.
func (s *SQLiteStore) GetByAgent(ctx context.Context, agentID string) ([]SearchResult, error) {
	out, _, err := s.List(ctx, map[string]any{"agentId": agentID}, 0)
	return out, err
}

// Stats reports item count and database size in bytes.
func (s *SQLiteStore) Stats(ctx context.Context) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&count); err != nil {
		return 0, 0, fmt.Errorf("vector: stats: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return count, 0, nil
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return count, 0, nil
	}
	return count, pageCount * pageSize, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
