// Package opentdb is the connector for the Open Trivia DB API.
//
// Every endpoint the mirror touches lives behind a typed request descriptor
// and a matching decoder: lookup endpoints (category listing, counts) carry
// no response_code field and decode straight into their payload structs,
// while the question-fetch and token endpoints return an envelope whose
// response_code is classified into a FetchOutcome. Numeric codes never leak
// past this package.
package opentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production Open Trivia DB origin.
	DefaultBaseURL = "https://opentdb.com"

	// MaxPageSize is the largest amount the question-fetch endpoint accepts.
	MaxPageSize = 50
)

// Difficulty levels as the origin spells them.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Difficulties lists every level in the order the mirror processes them.
var Difficulties = []string{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Question kinds as the origin spells them.
const (
	KindBoolean  = "boolean"
	KindMultiple = "multiple"
)

// Category is one entry from the origin's category listing.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DifficultyCounts holds the origin's verified-question totals for one category.
type DifficultyCounts struct {
	Total  int
	Easy   int
	Medium int
	Hard   int
}

// For returns the verified total for one difficulty level.
func (c DifficultyCounts) For(difficulty string) int {
	switch difficulty {
	case DifficultyEasy:
		return c.Easy
	case DifficultyMedium:
		return c.Medium
	case DifficultyHard:
		return c.Hard
	default:
		return 0
	}
}

// GlobalCounts is the origin's catalog-wide verified-question breakdown.
// Categories maps category id to its verified total; an id absent from the
// map does not exist at the origin.
type GlobalCounts struct {
	Overall    int
	Categories map[int]int
}

// Question is one item from a successful question-fetch page. Text fields are
// already HTML-entity decoded.
type Question struct {
	Kind             string
	Difficulty       string
	CategoryName     string
	Text             string
	CorrectAnswer    string
	IncorrectAnswers []string
}

// Outcome classifies a question-fetch response.
type Outcome int

const (
	// OutcomeSuccess carries a page of questions.
	OutcomeSuccess Outcome = iota
	// OutcomeInsufficientQuantity means fewer verified questions exist than requested.
	OutcomeInsufficientQuantity
	// OutcomeInvalidParameter means the request itself was malformed. Fatal.
	OutcomeInvalidParameter
	// OutcomeTokenExpired means the session token is unknown or expired.
	OutcomeTokenExpired
	// OutcomePoolExhausted means the token has been served every question for this query.
	OutcomePoolExhausted
	// OutcomeUnknown covers any response_code outside 0..4.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInsufficientQuantity:
		return "insufficient-quantity"
	case OutcomeInvalidParameter:
		return "invalid-parameter"
	case OutcomeTokenExpired:
		return "token-expired"
	case OutcomePoolExhausted:
		return "pool-exhausted"
	default:
		return "unknown"
	}
}

// FetchOutcome is the classified result of one question-fetch request.
// Items is populated only for OutcomeSuccess. Code preserves the raw
// response_code for diagnostics on OutcomeUnknown.
type FetchOutcome struct {
	Outcome Outcome
	Items   []Question
	Code    int
}

// FetchMeta provides request-level telemetry.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// Client issues requests against a single Open Trivia DB origin.
type Client struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// ClientOptions configures a Client. Zero values pick sane defaults.
type ClientOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// NewClient validates options and returns a ready Client.
func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "opentriviata-mirror/1.0"
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

// request describes one origin call: a fixed endpoint plus query parameters.
type request struct {
	endpoint string
	params   url.Values
}

func (r request) urlString(base string) string {
	u := base + "/" + r.endpoint
	if len(r.params) > 0 {
		u += "?" + r.params.Encode()
	}
	return u
}

// FetchCategoryList enumerates every category the origin currently knows
// about, in origin-defined order.
func (c *Client) FetchCategoryList(ctx context.Context) ([]Category, error) {
	body, _, err := c.doGET(ctx, request{endpoint: "api_category.php"})
	if err != nil {
		return nil, err
	}
	var payload struct {
		TriviaCategories []Category `json:"trivia_categories"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("category list parse: %w", err)
	}
	out := make([]Category, 0, len(payload.TriviaCategories))
	for _, cat := range payload.TriviaCategories {
		name := strings.TrimSpace(html.UnescapeString(cat.Name))
		if cat.ID <= 0 || name == "" {
			continue
		}
		out = append(out, Category{ID: cat.ID, Name: name})
	}
	return out, nil
}

// FetchCategoryCounts returns the verified-question totals for one category.
func (c *Client) FetchCategoryCounts(ctx context.Context, categoryID int) (DifficultyCounts, error) {
	params := url.Values{}
	params.Set("category", strconv.Itoa(categoryID))
	body, _, err := c.doGET(ctx, request{endpoint: "api_count.php", params: params})
	if err != nil {
		return DifficultyCounts{}, err
	}
	var payload struct {
		CategoryID int `json:"category_id"`
		Counts     struct {
			Total  int `json:"total_question_count"`
			Easy   int `json:"total_easy_question_count"`
			Medium int `json:"total_medium_question_count"`
			Hard   int `json:"total_hard_question_count"`
		} `json:"category_question_count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return DifficultyCounts{}, fmt.Errorf("category count parse: %w", err)
	}
	return DifficultyCounts{
		Total:  payload.Counts.Total,
		Easy:   payload.Counts.Easy,
		Medium: payload.Counts.Medium,
		Hard:   payload.Counts.Hard,
	}, nil
}

// FetchGlobalCounts returns the catalog-wide verified totals, keyed by
// category id. The mirror uses it to detect catalog exhaustion.
func (c *Client) FetchGlobalCounts(ctx context.Context) (GlobalCounts, error) {
	body, _, err := c.doGET(ctx, request{endpoint: "api_count_global.php"})
	if err != nil {
		return GlobalCounts{}, err
	}
	var payload struct {
		Overall struct {
			Verified int `json:"total_num_of_verified_questions"`
		} `json:"overall"`
		Categories map[string]struct {
			Verified int `json:"total_num_of_verified_questions"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return GlobalCounts{}, fmt.Errorf("global count parse: %w", err)
	}
	out := GlobalCounts{
		Overall:    payload.Overall.Verified,
		Categories: make(map[int]int, len(payload.Categories)),
	}
	for key, entry := range payload.Categories {
		id, err := strconv.Atoi(key)
		if err != nil {
			return GlobalCounts{}, fmt.Errorf("global count parse: category key %q: %w", key, err)
		}
		out.Categories[id] = entry.Verified
	}
	return out, nil
}

// FetchQuestions requests up to amount questions for one category, optionally
// restricted to a single difficulty (empty string means any). The returned
// FetchOutcome classifies the origin's response_code; transport failures and
// malformed bodies surface as errors, never as an empty success.
func (c *Client) FetchQuestions(ctx context.Context, categoryID int, difficulty string, amount int, token string) (FetchOutcome, error) {
	params := url.Values{}
	params.Set("amount", strconv.Itoa(amount))
	params.Set("category", strconv.Itoa(categoryID))
	if difficulty != "" {
		params.Set("difficulty", difficulty)
	}
	if token != "" {
		params.Set("token", token)
	}
	body, _, err := c.doGET(ctx, request{endpoint: "api.php", params: params})
	if err != nil {
		return FetchOutcome{}, err
	}

	var envelope struct {
		ResponseCode *int `json:"response_code"`
		Results      []struct {
			Type             string   `json:"type"`
			Difficulty       string   `json:"difficulty"`
			Category         string   `json:"category"`
			Question         string   `json:"question"`
			CorrectAnswer    string   `json:"correct_answer"`
			IncorrectAnswers []string `json:"incorrect_answers"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return FetchOutcome{}, fmt.Errorf("question fetch parse: %w", err)
	}
	if envelope.ResponseCode == nil {
		return FetchOutcome{}, errors.New("question fetch parse: missing response_code")
	}

	code := *envelope.ResponseCode
	switch code {
	case 0:
		items := make([]Question, 0, len(envelope.Results))
		for _, r := range envelope.Results {
			items = append(items, Question{
				Kind:             strings.TrimSpace(r.Type),
				Difficulty:       strings.TrimSpace(r.Difficulty),
				CategoryName:     strings.TrimSpace(html.UnescapeString(r.Category)),
				Text:             strings.TrimSpace(html.UnescapeString(r.Question)),
				CorrectAnswer:    strings.TrimSpace(html.UnescapeString(r.CorrectAnswer)),
				IncorrectAnswers: unescapeAll(r.IncorrectAnswers),
			})
		}
		return FetchOutcome{Outcome: OutcomeSuccess, Items: items, Code: code}, nil
	case 1:
		return FetchOutcome{Outcome: OutcomeInsufficientQuantity, Code: code}, nil
	case 2:
		return FetchOutcome{Outcome: OutcomeInvalidParameter, Code: code}, nil
	case 3:
		return FetchOutcome{Outcome: OutcomeTokenExpired, Code: code}, nil
	case 4:
		return FetchOutcome{Outcome: OutcomePoolExhausted, Code: code}, nil
	default:
		return FetchOutcome{Outcome: OutcomeUnknown, Code: code}, nil
	}
}

// RequestToken asks the origin for a fresh session token.
func (c *Client) RequestToken(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("command", "request")
	return c.tokenCall(ctx, params)
}

// ResetToken empties the served-question memory of an existing token. The
// origin returns the same token string, valid again for the full pool.
func (c *Client) ResetToken(ctx context.Context, token string) (string, error) {
	params := url.Values{}
	params.Set("command", "reset")
	params.Set("token", token)
	return c.tokenCall(ctx, params)
}

func (c *Client) tokenCall(ctx context.Context, params url.Values) (string, error) {
	body, _, err := c.doGET(ctx, request{endpoint: "api_token.php", params: params})
	if err != nil {
		return "", err
	}
	var payload struct {
		ResponseCode *int   `json:"response_code"`
		Token        string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("token response parse: %w", err)
	}
	if payload.ResponseCode == nil {
		return "", errors.New("token response parse: missing response_code")
	}
	if *payload.ResponseCode != 0 {
		return "", fmt.Errorf("token request failed with response_code %d", *payload.ResponseCode)
	}
	tok := strings.TrimSpace(payload.Token)
	if tok == "" {
		return "", errors.New("token response carried an empty token")
	}
	return tok, nil
}

func (c *Client) doGET(ctx context.Context, r request) ([]byte, int, error) {
	u := r.urlString(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("%s: http status %d", r.endpoint, status)
	}
	return b, status, nil
}

func unescapeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(html.UnescapeString(s)))
	}
	return out
}
