// Package store is the local catalog persistence layer: categories, questions
// and answers in Postgres. Inserts are page-scoped transactions; a
// duplicate-text conflict skips that one question instead of aborting the
// batch, so a re-delivered question is a benign no-op.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"opentriviata-mirror/opentdb"
)

// Store wraps a pgx pool over the mirror database.
type Store struct {
	pool *pgxpool.Pool

	// Log receives one line per skipped duplicate. Nil disables it.
	Log *log.Logger
}

// Breakdown is the locally stored question count per difficulty for one category.
type Breakdown struct {
	Easy   int
	Medium int
	Hard   int
}

// Total sums all difficulty levels.
func (b Breakdown) Total() int { return b.Easy + b.Medium + b.Hard }

// For returns the count for one difficulty level.
func (b Breakdown) For(difficulty string) int {
	switch difficulty {
	case opentdb.DifficultyEasy:
		return b.Easy
	case opentdb.DifficultyMedium:
		return b.Medium
	case opentdb.DifficultyHard:
		return b.Hard
	default:
		return 0
	}
}

// BatchResult reports what one InsertQuestionBatch call did.
type BatchResult struct {
	Inserted int
	Skipped  int
}

// Open connects a pool to the mirror database and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// InitDatabase creates the mirror database if it does not exist yet,
// connecting through the maintenance database.
func InitDatabase(ctx context.Context, adminDSN, dbName string) error {
	conn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize())
	if err != nil {
		var pgErr *pgconn.PgError
		// 42P04: database already exists.
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// InitSchema creates the three catalog tables. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS categories (
			id INTEGER PRIMARY KEY,
			category TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id BIGSERIAL PRIMARY KEY,
			category_id INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			question_text TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS answers (
			question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
			answer TEXT,
			correct BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_category_difficulty
			ON questions (category_id, difficulty)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_question ON answers (question_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// TotalQuestions counts every locally stored question.
func (s *Store) TotalQuestions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

// CategoryQuestions counts locally stored questions for one category.
func (s *Store) CategoryQuestions(ctx context.Context, categoryID int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questions WHERE category_id = $1`, categoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count questions for category %d: %w", categoryID, err)
	}
	return n, nil
}

// CountByDifficulty breaks down the local question count for one category.
func (s *Store) CountByDifficulty(ctx context.Context, categoryID int) (Breakdown, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT difficulty, COUNT(*) FROM questions WHERE category_id = $1 GROUP BY difficulty`,
		categoryID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("count by difficulty for category %d: %w", categoryID, err)
	}
	defer rows.Close()

	var b Breakdown
	for rows.Next() {
		var difficulty string
		var n int
		if err := rows.Scan(&difficulty, &n); err != nil {
			return Breakdown{}, fmt.Errorf("count by difficulty for category %d: %w", categoryID, err)
		}
		switch difficulty {
		case opentdb.DifficultyEasy:
			b.Easy = n
		case opentdb.DifficultyMedium:
			b.Medium = n
		case opentdb.DifficultyHard:
			b.Hard = n
		}
	}
	if err := rows.Err(); err != nil {
		return Breakdown{}, fmt.Errorf("count by difficulty for category %d: %w", categoryID, err)
	}
	return b, nil
}

// HighestCategoryID returns the largest category id seen locally, or ok=false
// when the store is empty. Used to seed reconciliation on restart.
func (s *Store) HighestCategoryID(ctx context.Context) (int, bool, error) {
	var id *int
	err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM categories`).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("highest category id: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// UpsertCategory records a category id/name pair. Inserting an id that
// already exists is a no-op.
func (s *Store) UpsertCategory(ctx context.Context, id int, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO categories (id, category) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, name)
	if err != nil {
		return fmt.Errorf("upsert category %d: %w", id, err)
	}
	return nil
}

// InsertQuestionBatch persists one fetched page in a single transaction.
// Each question gets its answer rows in the same transaction: booleans store
// one row holding the correctness of "true" with a NULL answer text,
// multiple-choice questions store the correct answer plus every incorrect
// one. A question whose text already exists locally is skipped and logged;
// any other failure rolls back the whole batch.
func (s *Store) InsertQuestionBatch(ctx context.Context, categoryID int, questions []opentdb.Question) (BatchResult, error) {
	var res BatchResult
	if len(questions) == 0 {
		return res, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("insert batch: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range questions {
		var questionID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO questions (category_id, kind, difficulty, question_text)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (question_text) DO NOTHING
			 RETURNING id`,
			categoryID, q.Kind, q.Difficulty, q.Text).Scan(&questionID)
		if errors.Is(err, pgx.ErrNoRows) {
			res.Skipped++
			s.logf("duplicate question skipped (category %d): %q", categoryID, q.Text)
			continue
		}
		if err != nil {
			return BatchResult{}, fmt.Errorf("insert question %q: %w", q.Text, err)
		}

		if err := insertAnswers(ctx, tx, questionID, q); err != nil {
			return BatchResult{}, err
		}
		res.Inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("insert batch: commit: %w", err)
	}
	return res, nil
}

func insertAnswers(ctx context.Context, tx pgx.Tx, questionID int64, q opentdb.Question) error {
	const stmt = `INSERT INTO answers (question_id, answer, correct) VALUES ($1, $2, $3)`

	if q.Kind == opentdb.KindBoolean {
		correct := strings.EqualFold(q.CorrectAnswer, "true")
		if _, err := tx.Exec(ctx, stmt, questionID, nil, correct); err != nil {
			return fmt.Errorf("insert boolean answer for question %d: %w", questionID, err)
		}
		return nil
	}

	if len(q.IncorrectAnswers) == 0 {
		return fmt.Errorf("multiple-choice question %q carries no incorrect answers", q.Text)
	}
	b := &pgx.Batch{}
	b.Queue(stmt, questionID, q.CorrectAnswer, true)
	for _, a := range q.IncorrectAnswers {
		b.Queue(stmt, questionID, a, false)
	}
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert answers for question %d: %w", questionID, err)
		}
	}
	return br.Close()
}

// PurgeCategory removes a category and, via cascade, all its questions and
// answers.
func (s *Store) PurgeCategory(ctx context.Context, categoryID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM categories WHERE id = $1`, categoryID)
	if err != nil {
		return fmt.Errorf("purge category %d: %w", categoryID, err)
	}
	return nil
}

// PurgeDifficulty removes every question (answers cascade) for one
// category/difficulty pair, ahead of a full refetch of that pair.
func (s *Store) PurgeDifficulty(ctx context.Context, categoryID int, difficulty string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM questions WHERE category_id = $1 AND difficulty = $2`,
		categoryID, difficulty)
	if err != nil {
		return fmt.Errorf("purge category %d difficulty %s: %w", categoryID, difficulty, err)
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}
