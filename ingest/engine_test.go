package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"opentriviata-mirror/opentdb"
	"opentriviata-mirror/store"
)

// ───────── Fakes ─────────

type fetchCall struct {
	categoryID int
	difficulty string
	amount     int
	token      string
}

// fakeOrigin scripts the origin protocol for driver and reconciler tests.
type fakeOrigin struct {
	catList []opentdb.Category
	counts  map[int]opentdb.DifficultyCounts
	global  opentdb.GlobalCounts

	// fetch classifies each question request; nil defaults to synthesized success.
	fetch func(call fetchCall, n int) (opentdb.FetchOutcome, error)

	fetchCalls   []fetchCall
	tokensIssued int
	tokensReset  int
}

func (f *fakeOrigin) FetchCategoryList(ctx context.Context) ([]opentdb.Category, error) {
	return f.catList, nil
}

func (f *fakeOrigin) FetchCategoryCounts(ctx context.Context, categoryID int) (opentdb.DifficultyCounts, error) {
	return f.counts[categoryID], nil
}

func (f *fakeOrigin) FetchGlobalCounts(ctx context.Context) (opentdb.GlobalCounts, error) {
	return f.global, nil
}

func (f *fakeOrigin) FetchQuestions(ctx context.Context, categoryID int, difficulty string, amount int, token string) (opentdb.FetchOutcome, error) {
	call := fetchCall{categoryID: categoryID, difficulty: difficulty, amount: amount, token: token}
	n := len(f.fetchCalls)
	f.fetchCalls = append(f.fetchCalls, call)
	if f.fetch != nil {
		return f.fetch(call, n)
	}
	return opentdb.FetchOutcome{Outcome: opentdb.OutcomeSuccess, Items: synthPage(categoryID, difficulty, amount, n)}, nil
}

func (f *fakeOrigin) RequestToken(ctx context.Context) (string, error) {
	f.tokensIssued++
	return fmt.Sprintf("TOKEN%03d", f.tokensIssued), nil
}

func (f *fakeOrigin) ResetToken(ctx context.Context, token string) (string, error) {
	f.tokensReset++
	return token, nil
}

// synthPage fabricates a page of distinct questions for one category/difficulty.
func synthPage(categoryID int, difficulty string, amount, page int) []opentdb.Question {
	items := make([]opentdb.Question, 0, amount)
	for i := 0; i < amount; i++ {
		items = append(items, opentdb.Question{
			Kind:             opentdb.KindMultiple,
			Difficulty:       difficulty,
			CategoryName:     fmt.Sprintf("Category %d", categoryID),
			Text:             fmt.Sprintf("cat %d %s page %d question %d?", categoryID, difficulty, page, i),
			CorrectAnswer:    "right",
			IncorrectAnswers: []string{"wrong"},
		})
	}
	return items
}

// fakeCatalog is an in-memory Catalog that tracks counts per difficulty and
// dedups on question text like the real store does.
type fakeCatalog struct {
	names       map[int]string
	texts       map[string]struct{}
	byDiff      map[int]*store.Breakdown
	purgedCats  []int
	purgedDiffs []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		names:  make(map[int]string),
		texts:  make(map[string]struct{}),
		byDiff: make(map[int]*store.Breakdown),
	}
}

func (c *fakeCatalog) breakdown(categoryID int) *store.Breakdown {
	b, ok := c.byDiff[categoryID]
	if !ok {
		b = &store.Breakdown{}
		c.byDiff[categoryID] = b
	}
	return b
}

func (c *fakeCatalog) CountByDifficulty(ctx context.Context, categoryID int) (store.Breakdown, error) {
	return *c.breakdown(categoryID), nil
}

func (c *fakeCatalog) HighestCategoryID(ctx context.Context) (int, bool, error) {
	hi, ok := 0, false
	for id := range c.names {
		if id > hi {
			hi, ok = id, true
		}
	}
	return hi, ok, nil
}

func (c *fakeCatalog) UpsertCategory(ctx context.Context, id int, name string) error {
	if _, ok := c.names[id]; !ok {
		c.names[id] = name
	}
	return nil
}

func (c *fakeCatalog) InsertQuestionBatch(ctx context.Context, categoryID int, questions []opentdb.Question) (store.BatchResult, error) {
	if _, ok := c.names[categoryID]; !ok {
		return store.BatchResult{}, fmt.Errorf("category %d missing before question insert", categoryID)
	}
	var res store.BatchResult
	b := c.breakdown(categoryID)
	for _, q := range questions {
		if _, dup := c.texts[q.Text]; dup {
			res.Skipped++
			continue
		}
		c.texts[q.Text] = struct{}{}
		switch q.Difficulty {
		case opentdb.DifficultyEasy:
			b.Easy++
		case opentdb.DifficultyMedium:
			b.Medium++
		case opentdb.DifficultyHard:
			b.Hard++
		}
		res.Inserted++
	}
	return res, nil
}

func (c *fakeCatalog) PurgeCategory(ctx context.Context, categoryID int) error {
	c.purgedCats = append(c.purgedCats, categoryID)
	c.purgeTexts(categoryID, "")
	delete(c.byDiff, categoryID)
	delete(c.names, categoryID)
	return nil
}

func (c *fakeCatalog) PurgeDifficulty(ctx context.Context, categoryID int, difficulty string) error {
	c.purgedDiffs = append(c.purgedDiffs, fmt.Sprintf("%d/%s", categoryID, difficulty))
	c.purgeTexts(categoryID, difficulty)
	b := c.breakdown(categoryID)
	switch difficulty {
	case opentdb.DifficultyEasy:
		b.Easy = 0
	case opentdb.DifficultyMedium:
		b.Medium = 0
	case opentdb.DifficultyHard:
		b.Hard = 0
	}
	return nil
}

// purgeTexts drops remembered texts for a category so refetched questions do
// not collide with their purged selves. Texts synthesized by synthPage and
// the opentdb mock both embed the category, which keeps this a prefix match.
func (c *fakeCatalog) purgeTexts(categoryID int, difficulty string) {
	for text := range c.texts {
		if strings.Contains(text, fmt.Sprintf("cat %d ", categoryID)) || strings.Contains(text, fmt.Sprintf("Category %d", categoryID)) {
			if difficulty == "" || strings.Contains(text, difficulty) {
				delete(c.texts, text)
			}
		}
	}
}

type memTokenStore struct {
	token string
	saves int
}

func (s *memTokenStore) Token() (string, bool) { return s.token, s.token != "" }

func (s *memTokenStore) SaveToken(token string) error {
	s.token = token
	s.saves++
	return nil
}

func newTestEngine(origin Origin, catalog Catalog, pageSize int) *Engine {
	tokens := NewTokenManager(origin, &memTokenStore{}, nil)
	return New(origin, catalog, tokens, Options{PageSize: pageSize})
}

// ───────── Reconciler scenarios ─────────

func TestRun_FreshCategoryIngestsEveryDifficulty(t *testing.T) {
	origin := &fakeOrigin{
		catList: []opentdb.Category{{ID: 9, Name: "General Knowledge"}},
		counts: map[int]opentdb.DifficultyCounts{
			9: {Total: 100, Easy: 40, Medium: 40, Hard: 20},
		},
		global: opentdb.GlobalCounts{Categories: map[int]int{9: 100}},
	}
	catalog := newFakeCatalog()
	engine := newTestEngine(origin, catalog, 50)

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// One request per difficulty, none of them a remainder page.
	wantAmounts := map[string]int{"easy": 40, "medium": 40, "hard": 20}
	if len(origin.fetchCalls) != 3 {
		t.Fatalf("fetch calls = %d, want 3", len(origin.fetchCalls))
	}
	for _, call := range origin.fetchCalls {
		if call.categoryID != 9 {
			t.Errorf("fetched category %d, want 9", call.categoryID)
		}
		if want := wantAmounts[call.difficulty]; call.amount != want {
			t.Errorf("difficulty %s amount = %d, want %d", call.difficulty, call.amount, want)
		}
	}

	if got := catalog.breakdown(9).Total(); got != 100 {
		t.Errorf("local question count = %d, want 100", got)
	}
	if len(catalog.purgedDiffs) != 3 {
		t.Errorf("purged difficulties = %v, want one purge per difficulty", catalog.purgedDiffs)
	}
	if sum.CategoriesSeen != 1 || sum.UnitsIngested != 3 || sum.QuestionsInserted != 100 {
		t.Errorf("summary = %+v", sum)
	}
	if catalog.names[9] != "General Knowledge" {
		t.Errorf("category name = %q", catalog.names[9])
	}
}

func TestRun_CompleteCategoryIsNotRefetched(t *testing.T) {
	origin := &fakeOrigin{
		catList: []opentdb.Category{{ID: 9, Name: "General Knowledge"}, {ID: 10, Name: "Books"}},
		counts: map[int]opentdb.DifficultyCounts{
			9:  {Total: 30, Easy: 10, Medium: 10, Hard: 10},
			10: {Total: 6, Easy: 2, Medium: 2, Hard: 2},
		},
		global: opentdb.GlobalCounts{Categories: map[int]int{9: 30, 10: 6}},
	}
	catalog := newFakeCatalog()
	catalog.names[9] = "General Knowledge"
	catalog.byDiff[9] = &store.Breakdown{Easy: 10, Medium: 10, Hard: 10}

	engine := newTestEngine(origin, catalog, 50)
	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	for _, call := range origin.fetchCalls {
		if call.categoryID == 9 {
			t.Fatalf("complete category 9 was refetched: %+v", call)
		}
	}
	if sum.CategoriesComplete != 1 {
		t.Errorf("CategoriesComplete = %d, want 1", sum.CategoriesComplete)
	}
	if got := catalog.breakdown(10).Total(); got != 6 {
		t.Errorf("category 10 local count = %d, want 6", got)
	}
}

func TestRun_StopsWhenCategoryAbsentFromGlobalBreakdown(t *testing.T) {
	origin := &fakeOrigin{
		catList: []opentdb.Category{{ID: 31, Name: "Last"}},
		counts: map[int]opentdb.DifficultyCounts{
			31: {Total: 3, Easy: 1, Medium: 1, Hard: 1},
		},
		global: opentdb.GlobalCounts{Categories: map[int]int{31: 3}},
	}
	catalog := newFakeCatalog()
	catalog.names[31] = "Last"
	catalog.byDiff[31] = &store.Breakdown{Easy: 1, Medium: 1, Hard: 1}

	engine := New(origin, catalog, NewTokenManager(origin, &memTokenStore{}, nil), Options{StartCategory: 31})
	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if sum.CategoriesSeen != 1 {
		t.Errorf("CategoriesSeen = %d, want 1 (32 is absent at origin)", sum.CategoriesSeen)
	}
}

func TestRun_DriftPurgesAndRefetchesCategory(t *testing.T) {
	origin := &fakeOrigin{
		catList: []opentdb.Category{{ID: 9, Name: "General Knowledge"}},
		counts: map[int]opentdb.DifficultyCounts{
			9: {Total: 30, Easy: 10, Medium: 10, Hard: 10},
		},
		global: opentdb.GlobalCounts{Categories: map[int]int{9: 30}},
	}
	catalog := newFakeCatalog()
	catalog.names[9] = "General Knowledge"
	// More easy questions locally than the origin reports: corruption.
	catalog.byDiff[9] = &store.Breakdown{Easy: 25, Medium: 10, Hard: 10}

	engine := newTestEngine(origin, catalog, 50)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(catalog.purgedCats) != 1 || catalog.purgedCats[0] != 9 {
		t.Fatalf("purged categories = %v, want [9]", catalog.purgedCats)
	}
	if got := catalog.breakdown(9).Total(); got != 30 {
		t.Errorf("local count after refetch = %d, want 30", got)
	}
}

func TestRun_ResumesFromHighestKnownCategory(t *testing.T) {
	origin := &fakeOrigin{
		catList: []opentdb.Category{{ID: 9, Name: "A"}, {ID: 10, Name: "B"}, {ID: 11, Name: "C"}},
		counts: map[int]opentdb.DifficultyCounts{
			9:  {Total: 3, Easy: 1, Medium: 1, Hard: 1},
			10: {Total: 3, Easy: 1, Medium: 1, Hard: 1},
			11: {Total: 3, Easy: 1, Medium: 1, Hard: 1},
		},
		global: opentdb.GlobalCounts{Categories: map[int]int{9: 3, 10: 3, 11: 3}},
	}
	catalog := newFakeCatalog()
	catalog.names[9] = "A"
	catalog.byDiff[9] = &store.Breakdown{Easy: 1, Medium: 1, Hard: 1}
	catalog.names[10] = "B"
	catalog.byDiff[10] = &store.Breakdown{Easy: 1} // partially ingested

	engine := newTestEngine(origin, catalog, 50)
	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// Category 9 is below the resume point and must not be revisited.
	if sum.CategoriesSeen != 2 {
		t.Errorf("CategoriesSeen = %d, want 2 (resume at 10)", sum.CategoriesSeen)
	}
	if got := catalog.breakdown(10).Total(); got != 3 {
		t.Errorf("category 10 local count = %d, want 3", got)
	}
}

func TestRun_SecondPassIsIdempotent(t *testing.T) {
	mock := opentdb.NewMock(opentdb.MockOptions{Seed: 42})
	catalog := newFakeCatalog()
	engine := newTestEngine(mock, catalog, 50)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	firstCounts := make(map[int]store.Breakdown, len(catalog.byDiff))
	for id, b := range catalog.byDiff {
		firstCounts[id] = *b
	}

	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if sum.QuestionsInserted != 0 || sum.UnitsIngested != 0 {
		t.Errorf("second run ingested: %+v", sum)
	}
	if sum.CategoriesComplete == 0 {
		t.Errorf("second run saw no complete categories: %+v", sum)
	}
	for id, want := range firstCounts {
		if got := *catalog.byDiff[id]; got != want {
			t.Errorf("category %d counts changed: %+v -> %+v", id, want, got)
		}
	}
}

// ───────── Driver scenarios ─────────

func TestFetchPage_TokenExpiryIsRetriedExactlyOnce(t *testing.T) {
	origin := &fakeOrigin{}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		if n == 0 {
			return opentdb.FetchOutcome{Outcome: opentdb.OutcomeTokenExpired, Code: 3}, nil
		}
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomeSuccess, Items: synthPage(9, "hard", call.amount, n)}, nil
	}
	engine := newTestEngine(origin, newFakeCatalog(), 50)

	items, stop, err := engine.fetchPage(context.Background(), 9, "hard", 20, 1)
	if err != nil {
		t.Fatalf("fetchPage() failed: %v", err)
	}
	if stop || len(items) != 20 {
		t.Fatalf("stop=%v items=%d, want a full retried page", stop, len(items))
	}
	if origin.tokensIssued != 2 {
		t.Errorf("tokens issued = %d, want 2 (initial + one reacquisition)", origin.tokensIssued)
	}
	if origin.fetchCalls[0].token == origin.fetchCalls[1].token {
		t.Errorf("retry reused the expired token %q", origin.fetchCalls[0].token)
	}
	if origin.fetchCalls[0].amount != origin.fetchCalls[1].amount {
		t.Errorf("retry changed the request: %+v vs %+v", origin.fetchCalls[0], origin.fetchCalls[1])
	}
}

func TestFetchPage_SecondTokenExpiryIsFatal(t *testing.T) {
	origin := &fakeOrigin{}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomeTokenExpired, Code: 3}, nil
	}
	engine := newTestEngine(origin, newFakeCatalog(), 50)

	_, _, err := engine.fetchPage(context.Background(), 9, "hard", 20, 1)
	if err == nil {
		t.Fatal("fetchPage() succeeded, want fatal error after second expiry")
	}
	if !strings.Contains(err.Error(), "twice") {
		t.Errorf("error = %v, want mention of repeated expiry", err)
	}
	if len(origin.fetchCalls) != 2 {
		t.Errorf("fetch calls = %d, want exactly 2", len(origin.fetchCalls))
	}
}

func TestFetchPage_InsufficientQuantityShrinksOnce(t *testing.T) {
	origin := &fakeOrigin{
		counts: map[int]opentdb.DifficultyCounts{9: {Easy: 30}},
	}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		if call.amount > 30 {
			return opentdb.FetchOutcome{Outcome: opentdb.OutcomeInsufficientQuantity, Code: 1}, nil
		}
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomeSuccess, Items: synthPage(9, "easy", call.amount, n)}, nil
	}
	engine := newTestEngine(origin, newFakeCatalog(), 50)

	items, stop, err := engine.fetchPage(context.Background(), 9, "easy", 50, 0)
	if err != nil {
		t.Fatalf("fetchPage() failed: %v", err)
	}
	if stop {
		t.Fatal("fetchPage() stopped, want a shrunken success")
	}
	if len(items) != 30 {
		t.Errorf("items = %d, want 30 after shrink", len(items))
	}
}

func TestFetchPage_StillInsufficientStopsTheUnit(t *testing.T) {
	origin := &fakeOrigin{
		counts: map[int]opentdb.DifficultyCounts{9: {Easy: 30}},
	}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomeInsufficientQuantity, Code: 1}, nil
	}
	engine := newTestEngine(origin, newFakeCatalog(), 50)

	_, stop, err := engine.fetchPage(context.Background(), 9, "easy", 50, 0)
	if err != nil {
		t.Fatalf("fetchPage() failed: %v", err)
	}
	if !stop {
		t.Error("fetchPage() did not stop after the shrunken retry also came up short")
	}
	if len(origin.fetchCalls) != 2 {
		t.Errorf("fetch calls = %d, want 2 (original + one shrunken retry)", len(origin.fetchCalls))
	}
}

func TestFetchPage_PoolExhaustedStopsWithoutError(t *testing.T) {
	origin := &fakeOrigin{}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomePoolExhausted, Code: 4}, nil
	}
	engine := newTestEngine(origin, newFakeCatalog(), 50)

	_, stop, err := engine.fetchPage(context.Background(), 9, "easy", 50, 0)
	if err != nil {
		t.Fatalf("fetchPage() failed: %v", err)
	}
	if !stop {
		t.Error("pool exhaustion must end the unit")
	}
}

func TestFetchPage_FatalOutcomesCarryRequestContext(t *testing.T) {
	cases := []struct {
		name     string
		outcome  opentdb.FetchOutcome
		fetchErr error
	}{
		{name: "invalid parameter", outcome: opentdb.FetchOutcome{Outcome: opentdb.OutcomeInvalidParameter, Code: 2}},
		{name: "unknown code", outcome: opentdb.FetchOutcome{Outcome: opentdb.OutcomeUnknown, Code: 7}},
		{name: "transport", fetchErr: errors.New("api.php: connection refused")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			origin := &fakeOrigin{}
			origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
				if tc.fetchErr != nil {
					return opentdb.FetchOutcome{}, tc.fetchErr
				}
				return tc.outcome, nil
			}
			engine := newTestEngine(origin, newFakeCatalog(), 50)

			_, _, err := engine.fetchPage(context.Background(), 14, "medium", 25, 2)
			if err == nil {
				t.Fatal("fetchPage() succeeded, want fatal error")
			}
			for _, frag := range []string{"category 14", "medium", "page 2"} {
				if !strings.Contains(err.Error(), frag) {
					t.Errorf("error %q missing request context %q", err, frag)
				}
			}
		})
	}
}

func TestIngestUnit_EmptySuccessPageIsToleratedAndLogged(t *testing.T) {
	origin := &fakeOrigin{}
	origin.fetch = func(call fetchCall, n int) (opentdb.FetchOutcome, error) {
		if n == 0 {
			return opentdb.FetchOutcome{Outcome: opentdb.OutcomeSuccess}, nil
		}
		return opentdb.FetchOutcome{Outcome: opentdb.OutcomeSuccess, Items: synthPage(9, "easy", call.amount, n)}, nil
	}
	catalog := newFakeCatalog()
	catalog.names[9] = "General Knowledge"
	engine := newTestEngine(origin, catalog, 50)

	var sum Summary
	named := true
	err := engine.ingestUnit(context.Background(), 9, &named, unit{difficulty: "easy", target: 80}, &sum)
	if err != nil {
		t.Fatalf("ingestUnit() failed: %v", err)
	}
	if len(origin.fetchCalls) != 2 {
		t.Errorf("fetch calls = %d, want 2 (empty page does not abort the unit)", len(origin.fetchCalls))
	}
	if sum.PagesFetched != 1 {
		t.Errorf("PagesFetched = %d, want 1 (the empty page does not count)", sum.PagesFetched)
	}
}

func TestIngestUnit_DuplicateTextsAreSkippedNotFatal(t *testing.T) {
	origin := &fakeOrigin{}
	catalog := newFakeCatalog()
	catalog.names[9] = "General Knowledge"
	// Preload one text that page 0 will deliver again.
	catalog.texts["cat 9 easy page 0 question 3?"] = struct{}{}

	engine := newTestEngine(origin, catalog, 50)
	var sum Summary
	named := true
	err := engine.ingestUnit(context.Background(), 9, &named, unit{difficulty: "easy", target: 10}, &sum)
	if err != nil {
		t.Fatalf("ingestUnit() failed: %v", err)
	}
	if sum.QuestionsInserted != 9 || sum.DuplicatesSkipped != 1 {
		t.Errorf("inserted=%d skipped=%d, want 9/1", sum.QuestionsInserted, sum.DuplicatesSkipped)
	}
}
