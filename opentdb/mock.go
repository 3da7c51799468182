package opentdb

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an offline, deterministic origin for unit tests and smoke runs.
// It honors the real protocol: tokens dedup served questions, an exhausted
// token gets response code 4, an oversized request gets code 1, and a token
// the mock never issued gets code 3. It makes no network calls.
type Mock struct {
	seed int64
	cats []Category
	pool map[int]map[string][]Question

	mu       sync.Mutex
	served   map[string]map[string]struct{}
	tokenSeq int
}

// MockCategory declares one synthetic category and its per-difficulty pool sizes.
type MockCategory struct {
	ID     int
	Name   string
	Easy   int
	Medium int
	Hard   int
}

// MockOptions configures a Mock. Leaving Categories empty selects a small
// default catalog.
type MockOptions struct {
	Seed       int64
	Categories []MockCategory
}

// NewMock builds the synthetic question pools up front so every call is
// deterministic for a given seed.
func NewMock(opts MockOptions) *Mock {
	cats := opts.Categories
	if len(cats) == 0 {
		cats = []MockCategory{
			{ID: 9, Name: "General Knowledge", Easy: 40, Medium: 40, Hard: 20},
			{ID: 10, Name: "Entertainment: Books", Easy: 12, Medium: 25, Hard: 8},
			{ID: 11, Name: "Entertainment: Film", Easy: 60, Medium: 55, Hard: 30},
		}
	}
	m := &Mock{
		seed:   opts.Seed,
		pool:   make(map[int]map[string][]Question, len(cats)),
		served: make(map[string]map[string]struct{}),
	}
	for _, mc := range cats {
		m.cats = append(m.cats, Category{ID: mc.ID, Name: mc.Name})
		byDiff := make(map[string][]Question, len(Difficulties))
		sizes := map[string]int{
			DifficultyEasy:   mc.Easy,
			DifficultyMedium: mc.Medium,
			DifficultyHard:   mc.Hard,
		}
		for _, diff := range Difficulties {
			byDiff[diff] = synthesizeQuestions(mc.Name, diff, sizes[diff])
		}
		m.pool[mc.ID] = byDiff
	}
	return m
}

func synthesizeQuestions(catName, difficulty string, n int) []Question {
	out := make([]Question, 0, n)
	for i := 1; i <= n; i++ {
		q := Question{
			Difficulty:   difficulty,
			CategoryName: catName,
			Text:         fmt.Sprintf("%s: synthetic %s question %03d?", catName, difficulty, i),
		}
		if i%4 == 0 {
			q.Kind = KindBoolean
			if i%8 == 0 {
				q.CorrectAnswer = "True"
			} else {
				q.CorrectAnswer = "False"
			}
		} else {
			q.Kind = KindMultiple
			q.CorrectAnswer = fmt.Sprintf("Answer %03d-A", i)
			q.IncorrectAnswers = []string{
				fmt.Sprintf("Answer %03d-B", i),
				fmt.Sprintf("Answer %03d-C", i),
				fmt.Sprintf("Answer %03d-D", i),
			}
		}
		out = append(out, q)
	}
	return out
}

// FetchCategoryList returns the synthetic catalog in declaration order.
func (m *Mock) FetchCategoryList(ctx context.Context) ([]Category, error) {
	out := make([]Category, len(m.cats))
	copy(out, m.cats)
	return out, nil
}

// FetchCategoryCounts reports the pool sizes for one category. Unknown
// categories report zero across the board, as the live origin does.
func (m *Mock) FetchCategoryCounts(ctx context.Context, categoryID int) (DifficultyCounts, error) {
	byDiff, ok := m.pool[categoryID]
	if !ok {
		return DifficultyCounts{}, nil
	}
	c := DifficultyCounts{
		Easy:   len(byDiff[DifficultyEasy]),
		Medium: len(byDiff[DifficultyMedium]),
		Hard:   len(byDiff[DifficultyHard]),
	}
	c.Total = c.Easy + c.Medium + c.Hard
	return c, nil
}

// FetchGlobalCounts reports verified totals per category; ids outside the
// synthetic catalog are absent from the map.
func (m *Mock) FetchGlobalCounts(ctx context.Context) (GlobalCounts, error) {
	out := GlobalCounts{Categories: make(map[int]int, len(m.pool))}
	for id, byDiff := range m.pool {
		total := 0
		for _, qs := range byDiff {
			total += len(qs)
		}
		out.Categories[id] = total
		out.Overall += total
	}
	return out, nil
}

// FetchQuestions serves unserved questions for the token, classifying the
// request exactly as the live origin would.
func (m *Mock) FetchQuestions(ctx context.Context, categoryID int, difficulty string, amount int, token string) (FetchOutcome, error) {
	if amount < 1 || amount > MaxPageSize {
		return FetchOutcome{Outcome: OutcomeInvalidParameter, Code: 2}, nil
	}
	if difficulty != "" && difficulty != DifficultyEasy && difficulty != DifficultyMedium && difficulty != DifficultyHard {
		return FetchOutcome{Outcome: OutcomeInvalidParameter, Code: 2}, nil
	}
	byDiff, ok := m.pool[categoryID]
	if !ok {
		return FetchOutcome{Outcome: OutcomeInvalidParameter, Code: 2}, nil
	}

	var pool []Question
	if difficulty == "" {
		for _, diff := range Difficulties {
			pool = append(pool, byDiff[diff]...)
		}
	} else {
		pool = byDiff[difficulty]
	}
	if amount > len(pool) {
		return FetchOutcome{Outcome: OutcomeInsufficientQuantity, Code: 1}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.served[token]
	if !ok {
		return FetchOutcome{Outcome: OutcomeTokenExpired, Code: 3}, nil
	}

	items := make([]Question, 0, amount)
	for _, q := range pool {
		if len(items) == amount {
			break
		}
		if _, dup := seen[q.Text]; dup {
			continue
		}
		items = append(items, q)
	}
	if len(items) == 0 {
		return FetchOutcome{Outcome: OutcomePoolExhausted, Code: 4}, nil
	}
	for _, q := range items {
		seen[q.Text] = struct{}{}
	}
	return FetchOutcome{Outcome: OutcomeSuccess, Items: items, Code: 0}, nil
}

// RequestToken issues a fresh alphanumeric token with an empty served set.
func (m *Mock) RequestToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenSeq++
	tok := fmt.Sprintf("MOCK%016x", fnv64(fmt.Sprintf("%d|%d", m.seed, m.tokenSeq)))
	m.served[tok] = make(map[string]struct{})
	return tok, nil
}

// ResetToken empties the served-question memory of an existing token and
// returns the same token string.
func (m *Mock) ResetToken(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.served[token]; !ok {
		return "", fmt.Errorf("token request failed with response_code %d", 3)
	}
	m.served[token] = make(map[string]struct{})
	return token, nil
}

// ExpireToken drops a token so the next fetch with it reports code 3.
// Test hook; the live origin expires tokens after six hours of inactivity.
func (m *Mock) ExpireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.served, token)
}

// fnv64 returns a simple 64-bit hash for deterministic token strings.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
