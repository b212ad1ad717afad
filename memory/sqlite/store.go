// Package sqlite implements the memory store on an embedded SQLite
// database. Vectors, source sets, and metadata are stored as JSON text;
// relations are bi-temporal rows that are closed, never deleted.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"goa.design/cortex/memory"
)

const clientName = "memory-sqlite"

// Options configures the store.
type Options struct {
	// Path is the database file path. Required.
	Path string
	// MaxConns caps the connection pool. Defaults to 4.
	MaxConns int
}

// Store is the SQLite-backed memory.Store implementation.
type Store struct {
	db *sql.DB
}

var _ memory.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	episode_id    TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	step_number   INTEGER NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	embedding     TEXT,
	created_at    INTEGER NOT NULL,
	importance    REAL,
	last_accessed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes(run_id, step_number);
CREATE TABLE IF NOT EXISTS episodes_archive (
	episode_id    TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	step_number   INTEGER NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	embedding     TEXT,
	created_at    INTEGER NOT NULL,
	importance    REAL,
	last_accessed INTEGER
);
CREATE TABLE IF NOT EXISTS semantic_nodes (
	name          TEXT PRIMARY KEY,
	node_type     TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	importance    REAL NOT NULL DEFAULT 0.5,
	sources       TEXT NOT NULL DEFAULT '[]',
	embedding     TEXT,
	created_at    INTEGER NOT NULL,
	last_updated  INTEGER NOT NULL,
	valid_from    INTEGER,
	valid_until   INTEGER,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER,
	metadata      TEXT
);
CREATE TABLE IF NOT EXISTS relations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	source        TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	target        TEXT NOT NULL,
	strength      REAL NOT NULL DEFAULT 0.5,
	valid_from    INTEGER NOT NULL,
	valid_until   INTEGER,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source, valid_until);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target, valid_until);
CREATE TABLE IF NOT EXISTS reflections (
	reflection_id    TEXT PRIMARY KEY,
	context          TEXT NOT NULL,
	error_or_outcome TEXT NOT NULL,
	insight          TEXT NOT NULL,
	prevention_plan  TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	embedding        TEXT,
	times_referenced INTEGER NOT NULL DEFAULT 0,
	success_rate     REAL NOT NULL DEFAULT 0,
	archived         INTEGER NOT NULL DEFAULT 0,
	archived_at      INTEGER
);
CREATE TABLE IF NOT EXISTS patterns (
	pattern_id    TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	success_rate  REAL NOT NULL DEFAULT 0,
	times_used    INTEGER NOT NULL DEFAULT 0,
	utility_score REAL NOT NULL DEFAULT 0.5,
	key_elements  TEXT NOT NULL DEFAULT '[]',
	common_tools  TEXT NOT NULL DEFAULT '[]',
	last_used     INTEGER NOT NULL,
	archived      INTEGER NOT NULL DEFAULT 0,
	archived_at   INTEGER
);
`

// New opens (or creates) the database at opts.Path and prepares the schema.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", url.PathEscape(opts.Path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func encodeVector(v []float64) any {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeVector(raw sql.NullString) []float64 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil
	}
	return v
}

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(raw string) []string {
	var v []string
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}

func encodeMeta(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeMeta(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v) }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// --- episodes ---

func (s *Store) AppendEpisode(ctx context.Context, ep memory.Episode) error {
	if ep.ID == "" {
		return errors.New("episode id is required")
	}
	created := ep.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var importance any
	if ep.Importance != nil {
		importance = *ep.Importance
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (episode_id, run_id, step_number, role, content, embedding, created_at, importance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.RunID, ep.StepNumber, ep.Role, ep.Content, encodeVector(ep.Embedding), millis(created), importance,
	)
	if err != nil {
		return fmt.Errorf("append episode %s: %w", ep.ID, err)
	}
	return nil
}

func (s *Store) EpisodesByRun(ctx context.Context, runID string) ([]memory.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, run_id, step_number, role, content, embedding, created_at, importance, last_accessed
		 FROM episodes WHERE run_id = ? ORDER BY step_number`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("episodes for run %s: %w", runID, err)
	}
	defer rows.Close()
	var eps []memory.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func scanEpisode(rows *sql.Rows) (memory.Episode, error) {
	var (
		ep         memory.Episode
		embedding  sql.NullString
		created    int64
		importance sql.NullFloat64
		accessed   sql.NullInt64
	)
	if err := rows.Scan(&ep.ID, &ep.RunID, &ep.StepNumber, &ep.Role, &ep.Content, &embedding, &created, &importance, &accessed); err != nil {
		return memory.Episode{}, err
	}
	ep.Embedding = decodeVector(embedding)
	ep.CreatedAt = fromMillis(created)
	if importance.Valid {
		ep.Importance = &importance.Float64
	}
	if accessed.Valid {
		ep.LastAccessed = fromMillis(accessed.Int64)
	}
	return ep, nil
}

func (s *Store) SetImportance(ctx context.Context, episodeID string, importance float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET importance = ? WHERE episode_id = ?`, importance, episodeID,
	)
	if err != nil {
		return fmt.Errorf("set importance for %s: %w", episodeID, err)
	}
	return nil
}

func (s *Store) ArchiveEpisodes(ctx context.Context, runID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive episodes for %s: %w", runID, err)
	}
	defer tx.Rollback()
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, 0, len(ids)+1)
	args = append(args, runID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO episodes_archive
		 SELECT episode_id, run_id, step_number, role, content, embedding, created_at, importance, last_accessed
		 FROM episodes WHERE run_id = ? AND episode_id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("archive episodes for %s: %w", runID, err)
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM episodes WHERE run_id = ? AND episode_id IN (`+placeholders+`)`, args...,
	); err != nil {
		return 0, fmt.Errorf("archive episodes for %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive episodes for %s: %w", runID, err)
	}
	return int(moved), nil
}

// --- semantic nodes ---

func (s *Store) UpsertNode(ctx context.Context, node memory.SemanticNode) (bool, error) {
	if node.Name == "" {
		return false, errors.New("node name is required")
	}
	if !node.Type.Valid() {
		return false, fmt.Errorf("unknown node type %q", node.Type)
	}
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
	}
	defer tx.Rollback()

	var (
		existingSources    string
		existingImportance float64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sources, importance FROM semantic_nodes WHERE name = ?`, node.Name,
	).Scan(&existingSources, &existingImportance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO semantic_nodes (name, node_type, description, importance, sources, embedding, created_at, last_updated, valid_from, valid_until, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.Name, string(node.Type), node.Description, node.Importance,
			encodeStrings(node.Sources), encodeVector(node.Embedding),
			millis(now), millis(now), nullMillis(node.ValidFrom), nullMillis(node.ValidUntil),
			encodeMeta(node.Metadata),
		); err != nil {
			return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
	}

	// Merge: union sources, keep max importance, overwrite description.
	merged := unionSources(decodeStrings(existingSources), node.Sources)
	importance := node.Importance
	if existingImportance > importance {
		importance = existingImportance
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE semantic_nodes
		 SET node_type = ?, description = ?, importance = ?, sources = ?, embedding = COALESCE(?, embedding),
		     last_updated = ?, metadata = COALESCE(?, metadata)
		 WHERE name = ?`,
		string(node.Type), node.Description, importance, encodeStrings(merged),
		encodeVector(node.Embedding), millis(now), encodeMeta(node.Metadata), node.Name,
	); err != nil {
		return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert node %s: %w", node.Name, err)
	}
	return false, nil
}

func unionSources(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

const nodeColumns = `name, node_type, description, importance, sources, embedding, created_at, last_updated, valid_from, valid_until, access_count, last_accessed, metadata`

func (s *Store) GetNode(ctx context.Context, name string) (*memory.SemanticNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes WHERE name = ?`, name)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	// Access tracking happens in the same transaction as the read.
	if _, err := tx.ExecContext(ctx,
		`UPDATE semantic_nodes SET access_count = access_count + 1, last_accessed = ? WHERE name = ?`,
		millis(time.Now()), name,
	); err != nil {
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("get node %s: %w", name, err)
	}
	return node, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanNode(row rowScanner) (*memory.SemanticNode, error) {
	var (
		node        memory.SemanticNode
		typ         string
		sources     string
		embedding   sql.NullString
		created     int64
		updated     int64
		validFrom   sql.NullInt64
		validUntil  sql.NullInt64
		accessCount int
		accessed    sql.NullInt64
		meta        sql.NullString
	)
	if err := row.Scan(&node.Name, &typ, &node.Description, &node.Importance, &sources, &embedding,
		&created, &updated, &validFrom, &validUntil, &accessCount, &accessed, &meta); err != nil {
		return nil, err
	}
	node.Type = memory.NodeType(typ)
	node.Sources = decodeStrings(sources)
	node.Embedding = decodeVector(embedding)
	node.CreatedAt = fromMillis(created)
	node.LastUpdated = fromMillis(updated)
	node.ValidFrom = fromNullMillis(validFrom)
	node.ValidUntil = fromNullMillis(validUntil)
	node.AccessCount = accessCount
	if accessed.Valid {
		node.LastAccessed = fromMillis(accessed.Int64)
	}
	node.Metadata = decodeMeta(meta)
	return &node, nil
}

func (s *Store) ListNodes(ctx context.Context, typ memory.NodeType) ([]memory.SemanticNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM semantic_nodes WHERE valid_until IS NULL`
	args := []any{}
	if typ != "" {
		query += ` AND node_type = ?`
		args = append(args, string(typ))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var nodes []memory.SemanticNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

func (s *Store) InvalidateNode(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE semantic_nodes SET valid_until = ? WHERE name = ? AND valid_until IS NULL`,
		millis(time.Now()), name,
	)
	if err != nil {
		return fmt.Errorf("invalidate node %s: %w", name, err)
	}
	return nil
}

// --- relations ---

func (s *Store) UpsertRelation(ctx context.Context, rel memory.Relation) error {
	if rel.Source == "" || rel.Type == "" || rel.Target == "" {
		return errors.New("relation source, type, and target are required")
	}
	now := time.Now()
	validFrom := rel.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert relation %s-%s->%s: %w", rel.Source, rel.Type, rel.Target, err)
	}
	defer tx.Rollback()
	// Supersession: close the active triple, then open the replacement.
	if _, err := tx.ExecContext(ctx,
		`UPDATE relations SET valid_until = ? WHERE source = ? AND relation_type = ? AND target = ? AND valid_until IS NULL`,
		millis(now), rel.Source, rel.Type, rel.Target,
	); err != nil {
		return fmt.Errorf("upsert relation %s-%s->%s: %w", rel.Source, rel.Type, rel.Target, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relations (source, relation_type, target, strength, valid_from, valid_until, metadata)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		rel.Source, rel.Type, rel.Target, rel.Strength, millis(validFrom), encodeMeta(rel.Metadata),
	); err != nil {
		return fmt.Errorf("upsert relation %s-%s->%s: %w", rel.Source, rel.Type, rel.Target, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert relation %s-%s->%s: %w", rel.Source, rel.Type, rel.Target, err)
	}
	return nil
}

func (s *Store) InvalidateRelation(ctx context.Context, source, relType, target string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relations SET valid_until = ? WHERE source = ? AND relation_type = ? AND target = ? AND valid_until IS NULL`,
		millis(time.Now()), source, relType, target,
	)
	if err != nil {
		return false, fmt.Errorf("invalidate relation %s-%s->%s: %w", source, relType, target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("invalidate relation %s-%s->%s: %w", source, relType, target, err)
	}
	return n > 0, nil
}

func (s *Store) ActiveRelations(ctx context.Context, name string) ([]memory.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, relation_type, target, strength, valid_from, valid_until, metadata
		 FROM relations WHERE (source = ? OR target = ?) AND valid_until IS NULL`,
		name, name,
	)
	if err != nil {
		return nil, fmt.Errorf("active relations of %s: %w", name, err)
	}
	defer rows.Close()
	var rels []memory.Relation
	for rows.Next() {
		var (
			rel        memory.Relation
			validFrom  int64
			validUntil sql.NullInt64
			meta       sql.NullString
		)
		if err := rows.Scan(&rel.ID, &rel.Source, &rel.Type, &rel.Target, &rel.Strength, &validFrom, &validUntil, &meta); err != nil {
			return nil, fmt.Errorf("active relations of %s: %w", name, err)
		}
		rel.ValidFrom = fromMillis(validFrom)
		rel.ValidUntil = fromNullMillis(validUntil)
		rel.Metadata = decodeMeta(meta)
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// --- reflections ---

func (s *Store) PutReflection(ctx context.Context, r memory.Reflection) error {
	if r.ID == "" {
		return errors.New("reflection id is required")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reflections (reflection_id, context, error_or_outcome, insight, prevention_plan, created_at, embedding, times_referenced, success_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reflection_id) DO UPDATE SET
		 	insight = excluded.insight, prevention_plan = excluded.prevention_plan`,
		r.ID, r.Context, r.ErrorOrOutcome, r.Insight, r.PreventionPlan,
		millis(created), encodeVector(r.Embedding), r.TimesReferenced, r.SuccessRate,
	)
	if err != nil {
		return fmt.Errorf("put reflection %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) ListReflections(ctx context.Context) ([]memory.Reflection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reflection_id, context, error_or_outcome, insight, prevention_plan, created_at, embedding, times_referenced, success_rate, archived, archived_at
		 FROM reflections WHERE archived = 0`,
	)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()
	var rs []memory.Reflection
	for rows.Next() {
		var (
			r          memory.Reflection
			created    int64
			embedding  sql.NullString
			archived   int
			archivedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Context, &r.ErrorOrOutcome, &r.Insight, &r.PreventionPlan,
			&created, &embedding, &r.TimesReferenced, &r.SuccessRate, &archived, &archivedAt); err != nil {
			return nil, fmt.Errorf("list reflections: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		r.Embedding = decodeVector(embedding)
		r.Archived = archived != 0
		r.ArchivedAt = fromNullMillis(archivedAt)
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func (s *Store) TouchReflections(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE reflections SET times_referenced = times_referenced + 1 WHERE reflection_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("touch reflections: %w", err)
	}
	return nil
}

// --- patterns ---

func (s *Store) RecordUse(ctx context.Context, id, name, category string, success bool) error {
	if id == "" {
		return errors.New("pattern id is required")
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	// Success rate is a running average over times_used.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patterns (pattern_id, name, category, success_rate, times_used, last_used)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(pattern_id) DO UPDATE SET
			success_rate = (success_rate * times_used + ?) / (times_used + 1),
			times_used = times_used + 1,
			last_used = excluded.last_used,
			archived = 0`,
		id, name, category, outcome, millis(time.Now()), outcome,
	)
	if err != nil {
		return fmt.Errorf("record pattern use %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListPatterns(ctx context.Context, includeArchived bool) ([]memory.Pattern, error) {
	query := `SELECT pattern_id, name, category, success_rate, times_used, utility_score, key_elements, common_tools, last_used, archived FROM patterns`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	var ps []memory.Pattern
	for rows.Next() {
		var (
			p           memory.Pattern
			keyElements string
			commonTools string
			lastUsed    int64
			archived    int
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.SuccessRate, &p.TimesUsed,
			&p.UtilityScore, &keyElements, &commonTools, &lastUsed, &archived); err != nil {
			return nil, fmt.Errorf("list patterns: %w", err)
		}
		p.KeyElements = decodeStrings(keyElements)
		p.CommonTools = decodeStrings(commonTools)
		p.LastUsed = fromMillis(lastUsed)
		p.Archived = archived != 0
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

func (s *Store) SetUtility(ctx context.Context, id string, utility float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET utility_score = ? WHERE pattern_id = ?`, utility, id,
	)
	if err != nil {
		return fmt.Errorf("set utility for %s: %w", id, err)
	}
	return nil
}

func (s *Store) ArchivePattern(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET archived = 1, archived_at = ? WHERE pattern_id = ?`,
		millis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("archive pattern %s: %w", id, err)
	}
	return nil
}

func (s *Store) DecayUnused(ctx context.Context, cutoff time.Time, factor float64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET utility_score = utility_score * ? WHERE archived = 0 AND last_used < ?`,
		factor, millis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("decay patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("decay patterns: %w", err)
	}
	return int(n), nil
}

// --- stats ---

func (s *Store) Stats(ctx context.Context) (memory.Stats, error) {
	var st memory.Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM episodes),
			(SELECT COUNT(*) FROM episodes_archive),
			(SELECT COUNT(*) FROM semantic_nodes WHERE valid_until IS NULL),
			(SELECT COUNT(*) FROM relations WHERE valid_until IS NULL),
			(SELECT COUNT(*) FROM reflections WHERE archived = 0),
			(SELECT COUNT(*) FROM patterns WHERE archived = 0),
			COALESCE((SELECT SUM(success_rate * times_used) / SUM(times_used) FROM patterns WHERE times_used > 0), 0)
	`)
	if err := row.Scan(&st.Episodes, &st.ArchivedEpisodes, &st.Nodes, &st.Relations,
		&st.Reflections, &st.Patterns, &st.OverallSuccessRate); err != nil {
		return memory.Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	return st, nil
}
