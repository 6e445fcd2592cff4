// Package catalog indexes generated stimulus pools in sqlite so the server
// and CLIs can browse stimuli across pools.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stevecastle/haploscope/pool"
)

// Item is one indexed stimulus.
type Item struct {
	PoolDir       string        `json:"poolDir"`
	StimulusID    string        `json:"stimulusId"`
	HalfHeight    float64       `json:"halfHeight"`
	DepthFactor   float64       `json:"depthFactor"`
	Rep           int           `json:"rep"`
	Seed          uint32        `json:"seed"`
	LeftFile      string        `json:"leftFile"`
	RightFile     string        `json:"rightFile"`
	Size          sql.NullInt64 `json:"-"`
	FormattedSize string        `json:"formattedSize"`
	Exists        bool          `json:"exists"`
}

// MarshalJSON reports a missing size as null.
func (it Item) MarshalJSON() ([]byte, error) {
	type Alias Item
	var size *int64
	if it.Size.Valid {
		size = &it.Size.Int64
	}
	return json.Marshal(&struct {
		Alias
		Size *int64 `json:"size"`
	}{Alias: Alias(it), Size: size})
}

// LeftPath returns the absolute path of the left image.
func (it Item) LeftPath() string { return filepath.Join(it.PoolDir, it.LeftFile) }

// RightPath returns the absolute path of the right image.
func (it Item) RightPath() string { return filepath.Join(it.PoolDir, it.RightFile) }

// APIResponse is the JSON body of the stimuli listing.
type APIResponse struct {
	Items   []Item `json:"items"`
	HasMore bool   `json:"has_more"`
}

// Filter narrows GetItems. Zero fields match everything.
type Filter struct {
	PoolDir     string
	HalfHeight  *float64
	DepthFactor *float64
	Query       string // substring of the stimulus id
}

// InitializeSchema creates the stimuli table.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS stimuli (
		pool_dir     TEXT NOT NULL,
		stimulus_id  TEXT NOT NULL,
		half_height  REAL NOT NULL,
		depth_factor REAL NOT NULL,
		rep          INTEGER NOT NULL,
		seed         INTEGER NOT NULL,
		left_file    TEXT NOT NULL,
		right_file   TEXT NOT NULL,
		size         INTEGER,
		indexed_at   INTEGER NOT NULL,
		PRIMARY KEY (pool_dir, stimulus_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stimuli_condition ON stimuli(half_height, depth_factor);
	`)
	return err
}

// FormatBytes converts bytes to human readable IEC units.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(bytes))
}

// CheckFileExists reports whether path exists.
func CheckFileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// CheckFilesExistConcurrent checks many paths in parallel.
func CheckFilesExistConcurrent(paths []string) map[string]bool {
	out := make(map[string]bool, len(paths))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exists := CheckFileExists(p)
			mu.Lock()
			out[p] = exists
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func pairSize(dir string, e pool.Entry) sql.NullInt64 {
	var total int64
	for _, name := range []string{e.LeftFile, e.RightFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return sql.NullInt64{}
		}
		total += info.Size()
	}
	return sql.NullInt64{Int64: total, Valid: true}
}

// IndexManifest upserts entries of the pool in poolDir and returns how many
// rows were written.
func IndexManifest(ctx context.Context, db *sql.DB, poolDir string, entries []pool.Entry) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("database connection not available")
	}
	abs, err := filepath.Abs(poolDir)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stimuli (pool_dir, stimulus_id, half_height, depth_factor, rep, seed, left_file, right_file, size, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pool_dir, stimulus_id) DO UPDATE SET
			half_height = excluded.half_height,
			depth_factor = excluded.depth_factor,
			rep = excluded.rep,
			seed = excluded.seed,
			left_file = excluded.left_file,
			right_file = excluded.right_file,
			size = excluded.size,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, e := range entries {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		_, err := stmt.ExecContext(ctx, abs, e.StimulusID, e.HalfHeight, e.DepthFactor, e.Rep, int64(e.Seed),
			e.LeftFile, e.RightFile, pairSize(abs, e), now)
		if err != nil {
			return 0, fmt.Errorf("index %s: %w", e.StimulusID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit index: %w", err)
	}
	return len(entries), nil
}

// IndexPool reads the manifest in poolDir and indexes it.
func IndexPool(ctx context.Context, db *sql.DB, poolDir string) (int, error) {
	entries, err := pool.ReadManifest(filepath.Join(poolDir, pool.ManifestName))
	if err != nil {
		return 0, err
	}
	return IndexManifest(ctx, db, poolDir, entries)
}

const selectColumns = `SELECT pool_dir, stimulus_id, half_height, depth_factor, rep, seed, left_file, right_file, size FROM stimuli`

func scanItem(s interface{ Scan(...any) error }) (Item, error) {
	var (
		it   Item
		seed int64
	)
	err := s.Scan(&it.PoolDir, &it.StimulusID, &it.HalfHeight, &it.DepthFactor, &it.Rep, &seed, &it.LeftFile, &it.RightFile, &it.Size)
	if err != nil {
		return it, err
	}
	it.Seed = uint32(seed)
	if it.Size.Valid {
		it.FormattedSize = FormatBytes(it.Size.Int64)
	} else {
		it.FormattedSize = "Unknown"
	}
	return it, nil
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.PoolDir != "" {
		clauses = append(clauses, "pool_dir = ?")
		args = append(args, f.PoolDir)
	}
	if f.HalfHeight != nil {
		clauses = append(clauses, "ABS(half_height - ?) < 1e-9")
		args = append(args, *f.HalfHeight)
	}
	if f.DepthFactor != nil {
		clauses = append(clauses, "ABS(depth_factor - ?) < 1e-9")
		args = append(args, *f.DepthFactor)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		clauses = append(clauses, `stimulus_id LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLikePattern(q)+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetItems returns one page of stimuli ordered by pool and manifest order,
// plus whether more rows follow.
func GetItems(db *sql.DB, f Filter, offset, limit int) ([]Item, bool, error) {
	where, args := f.where()
	query := selectColumns + where + ` ORDER BY pool_dir, half_height, depth_factor, rep LIMIT ? OFFSET ?`
	args = append(args, limit+1, offset)

	rows, err := db.Query(query, args...) // one extra row tells us if there are more
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	markExisting(items)
	return items, hasMore, nil
}

// GetItem fetches one stimulus. An empty poolDir picks the most recently
// indexed pool that holds id. A missing stimulus returns nil, nil.
func GetItem(db *sql.DB, poolDir, id string) (*Item, error) {
	query := selectColumns + ` WHERE stimulus_id = ?`
	args := []any{id}
	if poolDir != "" {
		query += ` AND pool_dir = ?`
		args = append(args, poolDir)
	}
	query += ` ORDER BY indexed_at DESC, pool_dir LIMIT 1`

	it, err := scanItem(db.QueryRow(query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	items := []Item{it}
	markExisting(items)
	return &items[0], nil
}

func markExisting(items []Item) {
	paths := make([]string, 0, 2*len(items))
	for _, it := range items {
		paths = append(paths, it.LeftPath(), it.RightPath())
	}
	exists := CheckFilesExistConcurrent(paths)
	for i := range items {
		items[i].Exists = exists[items[i].LeftPath()] && exists[items[i].RightPath()]
	}
}

// PoolSummary describes one indexed pool.
type PoolSummary struct {
	Dir           string `json:"dir"`
	Stimuli       int    `json:"stimuli"`
	Bytes         int64  `json:"bytes"`
	FormattedSize string `json:"formattedSize"`
	IndexedAt     int64  `json:"indexedAt"`
}

// Pools lists indexed pools by directory.
func Pools(db *sql.DB) ([]PoolSummary, error) {
	rows, err := db.Query(`
		SELECT pool_dir, COUNT(*), COALESCE(SUM(size), 0), MAX(indexed_at)
		FROM stimuli GROUP BY pool_dir ORDER BY pool_dir`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolSummary
	for rows.Next() {
		var p PoolSummary
		if err := rows.Scan(&p.Dir, &p.Stimuli, &p.Bytes, &p.IndexedAt); err != nil {
			return nil, err
		}
		p.FormattedSize = FormatBytes(p.Bytes)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePool drops every row of poolDir and returns the count removed.
func RemovePool(ctx context.Context, db *sql.DB, poolDir string) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database connection not available")
	}
	res, err := db.ExecContext(ctx, `DELETE FROM stimuli WHERE pool_dir = ?`, poolDir)
	if err != nil {
		return 0, fmt.Errorf("remove pool %s: %w", poolDir, err)
	}
	return res.RowsAffected()
}

func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
