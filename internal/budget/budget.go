// Package budget enforces per-key spend caps on admission: it sums a
// key's succeeded spend since the start of the current UTC day and UTC
// month and rejects once either configured cap is met.
//
// The check is advisory — no row lock, so concurrent admitters can each
// let one in-flight request through at a window boundary. That bounds
// overspend without serializing admission.
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
)

// Limits carries the caps for one key; a nil field means "no cap".
type Limits struct {
	DailyBudgetRub   *decimal.Decimal
	MonthlyBudgetRub *decimal.Decimal
}

// Ledger is implemented by the Audit Store's RequestLog repository: the
// sum of cost_rub for succeeded rows belonging to apiKeyID created at or
// after since.
type Ledger interface {
	SumSucceededCost(ctx context.Context, apiKeyID string, since time.Time) (decimal.Decimal, error)
}

// Enforcer checks admission against a Ledger.
type Enforcer struct {
	ledger Ledger
	clock  func() time.Time
}

func New(ledger Ledger) *Enforcer {
	return &Enforcer{ledger: ledger, clock: time.Now}
}

// Enforce returns a 429 budget_exceeded *apierrs.PublicError if either
// configured cap has been reached; nil otherwise. The code is distinct
// from rate_limited so clients can tell quota pressure from spend caps.
func (e *Enforcer) Enforce(ctx context.Context, apiKeyID string, limits Limits) error {
	now := e.clock().UTC()

	if limits.DailyBudgetRub != nil {
		spent, err := e.ledger.SumSucceededCost(ctx, apiKeyID, dayStart(now))
		if err != nil {
			return err
		}
		if spent.GreaterThanOrEqual(*limits.DailyBudgetRub) {
			return exceeded()
		}
	}

	if limits.MonthlyBudgetRub != nil {
		spent, err := e.ledger.SumSucceededCost(ctx, apiKeyID, monthStart(now))
		if err != nil {
			return err
		}
		if spent.GreaterThanOrEqual(*limits.MonthlyBudgetRub) {
			return exceeded()
		}
	}

	return nil
}

func exceeded() error {
	return apierrs.New(429, apierrs.CodeBudgetExceeded, "budget exceeded", "rate_limit_error")
}

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
