package ai

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"forgebuild/internal/config"
)

// ModelUsage is the running total for one model within a session.
type ModelUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// CostLedger accumulates per-model token counts and dollar cost for one
// build session. Totals only ever grow; the budget check is advisory and
// never blocks a call already in flight.
type CostLedger struct {
	mu       sync.Mutex
	budget   float64
	total    float64
	perModel map[string]ModelUsage
}

// NewCostLedger creates a ledger with a soft USD budget. A zero or negative
// budget disables the Exceeded signal.
func NewCostLedger(budget float64) *CostLedger {
	return &CostLedger{
		budget:   budget,
		perModel: make(map[string]ModelUsage),
	}
}

// costOf prices one call's usage under the model's pricing table entry.
func costOf(model string, usage Usage) float64 {
	price := config.PriceFor(model)
	return float64(usage.InputTokens)/1000*price.InputPer1K +
		float64(usage.OutputTokens)/1000*price.OutputPer1K
}

// Record adds one call's usage under the model's pricing.
func (l *CostLedger) Record(model string, usage Usage) {
	cost := costOf(model, usage)

	l.mu.Lock()
	defer l.mu.Unlock()
	mu := l.perModel[model]
	mu.Calls++
	mu.InputTokens += usage.InputTokens
	mu.OutputTokens += usage.OutputTokens
	mu.Cost += cost
	l.perModel[model] = mu
	l.total += cost
}

// TotalCost returns the session total in USD.
func (l *CostLedger) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Exceeded reports whether the session total has crossed the soft budget.
func (l *CostLedger) Exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget > 0 && l.total >= l.budget
}

// Remaining returns budget minus spend, clamped at zero.
func (l *CostLedger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget <= 0 {
		return 0
	}
	if r := l.budget - l.total; r > 0 {
		return r
	}
	return 0
}

// Snapshot copies the per-model totals for reporting.
func (l *CostLedger) Snapshot() map[string]ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ModelUsage, len(l.perModel))
	for m, u := range l.perModel {
		out[m] = u
	}
	return out
}

// Summary renders a human-readable cost breakdown, models sorted by name.
func (l *CostLedger) Summary() string {
	snap := l.Snapshot()
	models := make([]string, 0, len(snap))
	for m := range snap {
		models = append(models, m)
	}
	sort.Strings(models)

	var b strings.Builder
	var total float64
	for _, m := range models {
		u := snap[m]
		total += u.Cost
		fmt.Fprintf(&b, "%s: %d calls, %d in / %d out tokens, $%.4f\n",
			m, u.Calls, u.InputTokens, u.OutputTokens, u.Cost)
	}
	fmt.Fprintf(&b, "total: $%.4f", total)
	return b.String()
}
