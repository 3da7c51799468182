package ingest

import (
	"context"
	"fmt"

	"opentriviata-mirror/opentdb"
)

// ingestUnit fetches and persists one (category, difficulty, target) unit
// page by page. The difficulty has already been purged by the reconciler, so
// every successful page lands on a clean slate.
func (e *Engine) ingestUnit(ctx context.Context, categoryID int, named *bool, u unit, sum *Summary) error {
	for page, amount := range pagePlan(u.target, e.pageSize) {
		items, stop, err := e.fetchPage(ctx, categoryID, u.difficulty, amount, page)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if len(items) == 0 {
			e.log.Printf("category %d %s page %d: origin reported success but returned no items", categoryID, u.difficulty, page)
			continue
		}
		// Category name is normally known from the category listing; when it
		// is not, learn it from the first question that mentions it.
		if !*named {
			if err := e.catalog.UpsertCategory(ctx, categoryID, items[0].CategoryName); err != nil {
				return err
			}
			*named = true
		}
		res, err := e.catalog.InsertQuestionBatch(ctx, categoryID, items)
		if err != nil {
			return fmt.Errorf("category %d difficulty %s page %d: %w", categoryID, u.difficulty, page, err)
		}
		sum.PagesFetched++
		sum.QuestionsInserted += res.Inserted
		sum.DuplicatesSkipped += res.Skipped
	}
	return nil
}

// fetchPage issues one question-fetch request and absorbs the recoverable
// protocol outcomes: a token expiry is retried exactly once after
// reacquisition, an insufficient-quantity response shrinks the request to
// the origin-reported availability exactly once. stop=true ends the unit
// early without error (pool exhausted, or still insufficient after the
// shrink). Everything else is fatal with full request context.
func (e *Engine) fetchPage(ctx context.Context, categoryID int, difficulty string, amount, page int) (items []opentdb.Question, stop bool, err error) {
	where := fmt.Sprintf("category %d difficulty %s page %d", categoryID, difficulty, page)
	tokenRetried := false
	amountReduced := false
	for {
		token, err := e.tokens.Current(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", where, err)
		}
		out, err := e.origin.FetchQuestions(ctx, categoryID, difficulty, amount, token)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", where, err)
		}

		switch out.Outcome {
		case opentdb.OutcomeSuccess:
			return out.Items, false, nil

		case opentdb.OutcomeTokenExpired:
			if tokenRetried {
				return nil, false, fmt.Errorf("%s: session token expired twice for the same request", where)
			}
			tokenRetried = true
			e.log.Printf("%s: session token expired, reacquiring", where)
			e.tokens.Invalidate()

		case opentdb.OutcomeInsufficientQuantity:
			if amountReduced {
				e.log.Printf("warning: %s: origin still cannot supply %d questions, leaving this difficulty short", where, amount)
				return nil, true, nil
			}
			counts, err := e.origin.FetchCategoryCounts(ctx, categoryID)
			if err != nil {
				return nil, false, fmt.Errorf("%s: %w", where, err)
			}
			avail := counts.For(difficulty)
			if avail <= 0 || avail >= amount {
				e.log.Printf("warning: %s: origin reports %d available for a request of %d, leaving this difficulty short", where, avail, amount)
				return nil, true, nil
			}
			e.log.Printf("%s: reducing request from %d to the %d available", where, amount, avail)
			amount = avail
			amountReduced = true

		case opentdb.OutcomePoolExhausted:
			e.log.Printf("%s: question pool exhausted for this session token", where)
			return nil, true, nil

		case opentdb.OutcomeInvalidParameter:
			return nil, false, fmt.Errorf("%s: origin rejected the request as invalid", where)

		default:
			return nil, false, fmt.Errorf("%s: origin returned unknown response code %d", where, out.Code)
		}
	}
}
