package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/studyprep/mcqgen/internal/model"

	_ "modernc.org/sqlite"
)

// DefaultRelevanceThreshold filters out hits whose similarity score is not
// strictly above this value.
const DefaultRelevanceThreshold = 0.1

var (
	// ErrNoCorpus means the subject has no corpus directory or no usable
	// documents in it. Other subjects are unaffected.
	ErrNoCorpus = errors.New("no corpus for subject")
	// ErrNotBuilt means the subject has no built partition.
	ErrNotBuilt = errors.New("subject partition not built")
)

// Config holds index store settings.
type Config struct {
	DataDir            string
	CorpusDir          string
	RelevanceThreshold float64 // 0 means DefaultRelevanceThreshold
	ChunkSize          int     // runes per chunk, 0 means default
	BuildConcurrency   int     // parallel subject builds in BuildAll, 0 means 4
}

// partition is an immutable snapshot of one subject's index. A rebuild
// constructs a fresh partition and swaps the pointer, so queries holding an
// older pointer keep reading consistent data.
type partition struct {
	subject     string
	chunks      []string
	vectors     [][]float32
	createdAt   time.Time
	generation  uint64
	storagePath string
}

// Store builds, persists, and queries per-subject similarity partitions.
type Store struct {
	cfg      Config
	embedder Embedder
	db       *sql.DB

	mu         sync.RWMutex
	partitions map[string]*partition

	buildMu sync.Mutex
	builds  map[string]*sync.Mutex
}

// New opens (or creates) the index database under cfg.DataDir and loads all
// persisted partitions into memory.
func New(cfg Config, embedder Embedder) (*Store, error) {
	if cfg.RelevanceThreshold == 0 {
		cfg.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "index.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping index database: %w", err)
	}
	s := &Store{
		cfg:        cfg,
		embedder:   embedder,
		db:         db,
		partitions: make(map[string]*partition),
		builds:     make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("load partitions: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partitions (
		subject TEXT PRIMARY KEY,
		chunk_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		generation INTEGER NOT NULL DEFAULT 1,
		storage_path TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		subject TEXT NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (subject, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Normalize converts a subject name to its partition key: lower-case with
// spaces replaced by underscores.
func Normalize(subject string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(subject)), " ", "_")
}

// subjectLock returns the per-subject build mutex, creating it on first use.
// Builds are single-writer per subject; queries never take this lock.
func (s *Store) subjectLock(key string) *sync.Mutex {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	m, ok := s.builds[key]
	if !ok {
		m = &sync.Mutex{}
		s.builds[key] = m
	}
	return m
}

// BuildOrLoad ensures the subject has a live partition. With force=false an
// already-built subject is a no-op. A missing or empty corpus returns
// ErrNoCorpus so remaining subjects can still be initialized.
func (s *Store) BuildOrLoad(ctx context.Context, subject string, force bool) error {
	key := Normalize(subject)
	if key == "" {
		return fmt.Errorf("empty subject name")
	}

	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.partitions[key]
	s.mu.RUnlock()
	if ok && !force {
		slog.Debug("partition already built", "subject", key, "chunks", len(existing.chunks))
		return nil
	}

	corpusDir := filepath.Join(s.cfg.CorpusDir, key)
	if _, err := os.Stat(corpusDir); err != nil {
		return fmt.Errorf("subject %q: %w", key, ErrNoCorpus)
	}
	chunks, err := chunkCorpus(corpusDir, s.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk corpus for %q: %w", key, err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("subject %q: %w", key, ErrNoCorpus)
	}

	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed corpus for %q: %w", key, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	var generation uint64 = 1
	if existing != nil {
		generation = existing.generation + 1
	}
	p := &partition{
		subject:     key,
		chunks:      chunks,
		vectors:     vectors,
		createdAt:   time.Now(),
		generation:  generation,
		storagePath: filepath.Join(s.cfg.DataDir, "index.db"),
	}

	if err := s.persist(p); err != nil {
		return fmt.Errorf("persist partition %q: %w", key, err)
	}

	s.mu.Lock()
	s.partitions[key] = p
	s.mu.Unlock()

	slog.Info("built subject partition", "subject", key, "chunks", len(chunks), "generation", generation)
	return nil
}

// BuildAll builds every subject directory found under the corpus root with
// bounded parallelism. Per-subject failures are collected, not fatal.
func (s *Store) BuildAll(ctx context.Context, force bool) map[string]error {
	subjects, err := s.Subjects()
	if err != nil {
		return map[string]error{"": err}
	}

	limit := s.cfg.BuildConcurrency
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var resMu sync.Mutex
	failures := make(map[string]error)
	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			if err := s.BuildOrLoad(ctx, subject, force); err != nil {
				slog.Warn("subject build failed", "subject", subject, "error", err)
				resMu.Lock()
				failures[subject] = err
				resMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Subjects lists the subject directories available under the corpus root.
func (s *Store) Subjects() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.CorpusDir)
	if err != nil {
		return nil, fmt.Errorf("read corpus root: %w", err)
	}
	var subjects []string
	for _, e := range entries {
		if e.IsDir() {
			subjects = append(subjects, e.Name())
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Query embeds the query text and returns up to topK chunks ordered by
// descending similarity, ties broken by original chunk order. Hits scoring
// at or below the relevance threshold are dropped.
func (s *Store) Query(ctx context.Context, subject, queryText string, topK int) ([]model.SearchHit, error) {
	key := Normalize(subject)

	s.mu.RLock()
	p, ok := s.partitions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("subject %q: %w", key, ErrNotBuilt)
	}

	vectors, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for query", len(vectors))
	}
	qv := vectors[0]

	hits := make([]model.SearchHit, 0, len(p.chunks))
	for i, cv := range p.vectors {
		score := cosineSimilarity(qv, cv)
		if score > s.cfg.RelevanceThreshold {
			hits = append(hits, model.SearchHit{
				ChunkID:   int64(i),
				ChunkText: p.chunks[i],
				Score:     score,
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Stats returns metadata for a built partition.
func (s *Store) Stats(subject string) (model.PartitionStats, error) {
	key := Normalize(subject)
	s.mu.RLock()
	p, ok := s.partitions[key]
	s.mu.RUnlock()
	if !ok {
		return model.PartitionStats{}, fmt.Errorf("subject %q: %w", key, ErrNotBuilt)
	}
	return model.PartitionStats{
		Subject:     p.subject,
		ChunkCount:  len(p.chunks),
		CreatedAt:   p.createdAt,
		StoragePath: p.storagePath,
	}, nil
}

// Partitions returns stats for every built partition, sorted by subject.
func (s *Store) Partitions() []model.PartitionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]model.PartitionStats, 0, len(s.partitions))
	for _, p := range s.partitions {
		stats = append(stats, model.PartitionStats{
			Subject:     p.subject,
			ChunkCount:  len(p.chunks),
			CreatedAt:   p.createdAt,
			StoragePath: p.storagePath,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Subject < stats[j].Subject })
	return stats
}

// Generation returns the rebuild counter for a subject, or 0 if the subject
// has no partition. Derived values (cached contexts) compare generations to
// detect staleness.
func (s *Store) Generation(subject string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[Normalize(subject)]
	if !ok {
		return 0
	}
	return p.generation
}

// ResetAll removes every partition from memory and disk.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM chunks`); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM partitions`); err != nil {
		return fmt.Errorf("delete partitions: %w", err)
	}
	s.partitions = make(map[string]*partition)
	slog.Info("reset all subject partitions")
	return nil
}

// persist replaces the subject's rows atomically.
func (s *Store) persist(p *partition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE subject = ?`, p.subject); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO partitions (subject, chunk_count, created_at, generation, storage_path)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(subject) DO UPDATE SET chunk_count = ?, created_at = ?, generation = ?, storage_path = ?`,
		p.subject, len(p.chunks), p.createdAt, p.generation, p.storagePath,
		len(p.chunks), p.createdAt, p.generation, p.storagePath,
	); err != nil {
		return err
	}
	for i, chunk := range p.chunks {
		if _, err := tx.Exec(
			`INSERT INTO chunks (subject, seq, text, embedding) VALUES (?, ?, ?, ?)`,
			p.subject, i, chunk, encodeVector(p.vectors[i]),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// loadAll restores every persisted partition into memory.
func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT subject, created_at, generation, storage_path FROM partitions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var metas []*partition
	for rows.Next() {
		p := &partition{}
		if err := rows.Scan(&p.subject, &p.createdAt, &p.generation, &p.storagePath); err != nil {
			return err
		}
		metas = append(metas, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range metas {
		chunkRows, err := s.db.Query(`SELECT text, embedding FROM chunks WHERE subject = ? ORDER BY seq`, p.subject)
		if err != nil {
			return err
		}
		for chunkRows.Next() {
			var text string
			var blob []byte
			if err := chunkRows.Scan(&text, &blob); err != nil {
				chunkRows.Close()
				return err
			}
			p.chunks = append(p.chunks, text)
			p.vectors = append(p.vectors, decodeVector(blob))
		}
		if err := chunkRows.Err(); err != nil {
			chunkRows.Close()
			return err
		}
		chunkRows.Close()
		s.partitions[p.subject] = p
		slog.Debug("loaded partition", "subject", p.subject, "chunks", len(p.chunks))
	}
	return nil
}

// encodeVector packs a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity returns 0 for mismatched or zero-magnitude vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
