// Package budget selects the most recent conversation turns that fit a
// model context allowance.
package budget

// Turn is a model-agnostic chat message used across the context pipeline.
type Turn struct {
	Role    string
	Content string
}

// Estimator maps message text to an estimated cost in budget units.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator approximates token cost as ceil(len/4). A real tokenizer can
// replace it without touching the selection logic.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// Budgeter trims turn sequences to a unit budget.
type Budgeter struct {
	Estimator Estimator
}

// Select walks turns from newest to oldest, accumulating estimated cost, and
// stops at the first turn that would overflow maxUnits. The selection is
// therefore contiguous and anchored at the newest turn: if a turn is
// included, every newer turn is too. Returned turns keep the input
// (newest-first) order. Selecting nothing is possible when the newest turn
// alone exceeds the budget.
func (b *Budgeter) Select(turnsNewestToOldest []Turn, maxUnits int) ([]Turn, int) {
	est := b.Estimator
	if est == nil {
		est = CharEstimator{}
	}

	selected := make([]Turn, 0, len(turnsNewestToOldest))
	used := 0
	for _, turn := range turnsNewestToOldest {
		cost := est.Estimate(turn.Content)
		if used+cost > maxUnits {
			break
		}
		selected = append(selected, turn)
		used += cost
	}
	return selected, used
}
