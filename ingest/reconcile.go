package ingest

import (
	"context"
	"fmt"

	"opentriviata-mirror/opentdb"
	"opentriviata-mirror/store"
)

// unit is one (difficulty, target) pair found incomplete for a category.
// The target is the origin's verified total, not the delta: the driver
// purges the difficulty before refetching, because the origin only hands
// out "N unseen items for this token", never "continue where I left off".
type unit struct {
	difficulty string
	target     int
}

// diffUnits compares origin verified totals against local counts. It returns
// the difficulties still short of their target, or drift=true when any local
// count exceeds the origin's total — which should not happen under correct
// operation and is treated as corruption.
func diffUnits(origin opentdb.DifficultyCounts, local store.Breakdown) (units []unit, drift bool) {
	for _, difficulty := range opentdb.Difficulties {
		want := origin.For(difficulty)
		have := local.For(difficulty)
		if have > want {
			return nil, true
		}
		if have < want {
			units = append(units, unit{difficulty: difficulty, target: want})
		}
	}
	return units, false
}

// syncCategory resolves one category: complete categories are skipped,
// drifted ones are purged and refetched from scratch, incomplete ones have
// each short difficulty purged and re-ingested independently.
func (e *Engine) syncCategory(ctx context.Context, id int, name string, sum *Summary) error {
	counts, err := e.origin.FetchCategoryCounts(ctx, id)
	if err != nil {
		return fmt.Errorf("category %d counts: %w", id, err)
	}
	local, err := e.catalog.CountByDifficulty(ctx, id)
	if err != nil {
		return err
	}

	units, drift := diffUnits(counts, local)
	if drift {
		e.log.Printf("category %d: local counts exceed origin totals, purging for a clean refetch", id)
		if err := e.catalog.PurgeCategory(ctx, id); err != nil {
			return err
		}
		units, _ = diffUnits(counts, store.Breakdown{})
	}

	if len(units) == 0 {
		sum.CategoriesComplete++
		e.log.Printf("category %d: complete (%d questions at origin)", id, counts.Total)
		return nil
	}

	named := name != ""
	if named {
		if err := e.catalog.UpsertCategory(ctx, id, name); err != nil {
			return err
		}
	}

	for _, u := range units {
		if err := e.catalog.PurgeDifficulty(ctx, id, u.difficulty); err != nil {
			return err
		}
		if err := e.ingestUnit(ctx, id, &named, u, sum); err != nil {
			return err
		}
		sum.UnitsIngested++
	}
	return nil
}
