package engine

const trailCapacity = 16

// Budget is the number of corrective retries left. It only ever decreases.
type Budget struct {
	remaining int
	trail     [trailCapacity]string
	spent     int
}

func NewBudget(retries int) Budget {
	if retries < 0 {
		retries = 0
	}
	return Budget{remaining: retries}
}

func (b *Budget) Remaining() int { return b.remaining }

// Spent is the number of retries consumed so far.
func (b *Budget) Spent() int { return b.spent }

// Spend consumes one retry and records marker. It reports false once the budget
// is exhausted, leaving it unchanged.
func (b *Budget) Spend(marker string) bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	b.trail[b.spent%trailCapacity] = marker
	b.spent++
	return true
}

// Trail returns the most recent markers, oldest first.
func (b *Budget) Trail() []string {
	n := min(b.spent, trailCapacity)
	out := make([]string, 0, n)
	for i := b.spent - n; i < b.spent; i++ {
		out = append(out, b.trail[i%trailCapacity])
	}
	return out
}
