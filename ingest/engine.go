// Package ingest is the reconciliation and ingestion engine. It walks the
// origin catalog category by category, compares origin verified totals
// against local counts, and refetches whatever is incomplete through the
// origin's token/pagination protocol. Execution is strictly sequential: one
// category, one difficulty, one page at a time.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"opentriviata-mirror/opentdb"
	"opentriviata-mirror/store"
)

// FirstCategoryID is the lowest category id the origin assigns.
const FirstCategoryID = 9

// TokenIssuer is the origin surface the token manager drives.
type TokenIssuer interface {
	RequestToken(ctx context.Context) (string, error)
	ResetToken(ctx context.Context, token string) (string, error)
}

// Origin is the origin surface the reconciler and driver consume.
type Origin interface {
	TokenIssuer
	FetchCategoryList(ctx context.Context) ([]opentdb.Category, error)
	FetchCategoryCounts(ctx context.Context, categoryID int) (opentdb.DifficultyCounts, error)
	FetchGlobalCounts(ctx context.Context) (opentdb.GlobalCounts, error)
	FetchQuestions(ctx context.Context, categoryID int, difficulty string, amount int, token string) (opentdb.FetchOutcome, error)
}

// Catalog is the local persistence surface the engine writes through.
type Catalog interface {
	CountByDifficulty(ctx context.Context, categoryID int) (store.Breakdown, error)
	HighestCategoryID(ctx context.Context) (int, bool, error)
	UpsertCategory(ctx context.Context, id int, name string) error
	InsertQuestionBatch(ctx context.Context, categoryID int, questions []opentdb.Question) (store.BatchResult, error)
	PurgeCategory(ctx context.Context, categoryID int) error
	PurgeDifficulty(ctx context.Context, categoryID int, difficulty string) error
}

// Engine owns one synchronization run. Construct with New; all session state
// (token cache included) lives here rather than in package globals.
type Engine struct {
	origin   Origin
	catalog  Catalog
	tokens   *TokenManager
	log      *log.Logger
	pageSize int
	startID  int
}

// Options tunes an Engine. Zero values pick the origin's maximum page size
// and the origin's first category id.
type Options struct {
	PageSize      int
	StartCategory int
	Logger        *log.Logger
}

// New wires an Engine together.
func New(origin Origin, catalog Catalog, tokens *TokenManager, opts Options) *Engine {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > opentdb.MaxPageSize {
		pageSize = opentdb.MaxPageSize
	}
	startID := opts.StartCategory
	if startID <= 0 {
		startID = FirstCategoryID
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		origin:   origin,
		catalog:  catalog,
		tokens:   tokens,
		log:      logger,
		pageSize: pageSize,
		startID:  startID,
	}
}

// Summary reports what one Run did.
type Summary struct {
	CategoriesSeen     int
	CategoriesComplete int
	UnitsIngested      int
	PagesFetched       int
	QuestionsInserted  int
	DuplicatesSkipped  int
	Duration           time.Duration
}

// Run walks categories in ascending id order until the origin's global
// breakdown no longer contains the next id. That absence is the only
// non-error termination; every fatal condition aborts with the failing
// category/difficulty/page in the message so a re-run can resume cleanly.
func (e *Engine) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	defer func() { sum.Duration = time.Since(start) }()

	cats, err := e.origin.FetchCategoryList(ctx)
	if err != nil {
		return sum, fmt.Errorf("category list: %w", err)
	}
	names := make(map[int]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
	}

	startID := e.startID
	if hi, ok, err := e.catalog.HighestCategoryID(ctx); err != nil {
		return sum, err
	} else if ok && hi > startID {
		// Resume where the previous run stopped. The highest known category
		// is revisited because it may be partially ingested.
		startID = hi
	}

	for id := startID; ; id++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		global, err := e.origin.FetchGlobalCounts(ctx)
		if err != nil {
			return sum, fmt.Errorf("global counts: %w", err)
		}
		if _, ok := global.Categories[id]; !ok {
			e.log.Printf("category %d is not in the origin catalog; catalog exhausted", id)
			return sum, nil
		}
		sum.CategoriesSeen++
		if err := e.syncCategory(ctx, id, names[id], &sum); err != nil {
			return sum, err
		}
	}
}
