package badge

// LadderContext is a participant's current badge with its neighbours on the
// threshold-ordered ladder.
type LadderContext struct {
	Current            *Badge   `json:"current"`
	NextHigher         *Badge   `json:"next_higher"`
	NextLower          *Badge   `json:"next_lower"`
	PointsToNext       *float64 `json:"points_to_next"`
	PointsAboveCurrent float64  `json:"points_above_current"`
}

// GetLadderContext locates currentBadgeID on the ladder of assigned badges.
//
// NextHigher is the lowest-threshold badge strictly above the current
// threshold (above 0 without a current badge); NextLower the highest one
// strictly below it. PointsToNext is floored at zero and nil at the top of
// the ladder. PointsAboveCurrent measures lifetimePoints against the current
// threshold, or against 0.
//
// The current badge may be missing from the assigned subset (assignments
// change); it still anchors the neighbours. An ID unknown to the catalog is a
// structural error.
func GetLadderContext(currentBadgeID *ID, catalog *Catalog, assigned Set, lifetimePoints float64) (LadderContext, error) {
	var ctx LadderContext
	base := 0.0

	if currentBadgeID != nil {
		current, err := catalog.Lookup(*currentBadgeID)
		if err != nil {
			return LadderContext{}, err
		}
		ctx.Current = &current
		base = current.Threshold
	}

	ladder := catalog.Ladder(assigned)
	ctx.NextHigher = pick(catalog, ladder, func(b Badge) bool { return b.Threshold > base }, false)
	if ctx.Current != nil {
		ctx.NextLower = pick(catalog, ladder, func(b Badge) bool { return b.Threshold < base }, true)
	}

	if ctx.NextHigher != nil {
		toNext := ctx.NextHigher.Threshold - lifetimePoints
		if toNext < 0 {
			toNext = 0
		}
		ctx.PointsToNext = &toNext
	}
	ctx.PointsAboveCurrent = lifetimePoints - base
	return ctx, nil
}

// pick returns the ladder badge matching keep with the lowest threshold, or
// the highest when highest is set. Equal thresholds resolve to the badge
// that comes first in the catalog.
func pick(catalog *Catalog, ladder []Badge, keep func(Badge) bool, highest bool) *Badge {
	var best *Badge
	for i := range ladder {
		b := ladder[i]
		if !keep(b) {
			continue
		}
		if best == nil || better(catalog, b, *best, highest) {
			chosen := b
			best = &chosen
		}
	}
	return best
}

func better(catalog *Catalog, candidate, incumbent Badge, highest bool) bool {
	if candidate.Threshold != incumbent.Threshold {
		if highest {
			return candidate.Threshold > incumbent.Threshold
		}
		return candidate.Threshold < incumbent.Threshold
	}
	return catalog.position(candidate.ID) < catalog.position(incumbent.ID)
}
