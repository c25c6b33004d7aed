package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/art-dzd/ai-gateway/internal/apierrs"
)

// fakeLedger records the period starts it was asked about and returns a
// fixed spend per call.
type fakeLedger struct {
	spend  decimal.Decimal
	err    error
	sinces []time.Time
}

func (l *fakeLedger) SumSucceededCost(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	l.sinces = append(l.sinces, since)
	return l.spend, l.err
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestEnforce_NoCapsNoQueries(t *testing.T) {
	ledger := &fakeLedger{}
	e := New(ledger)

	if err := e.Enforce(context.Background(), "k1", Limits{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.sinces) != 0 {
		t.Fatalf("no caps configured, but ledger was queried %d times", len(ledger.sinces))
	}
}

func TestEnforce_UnderCapsAdmits(t *testing.T) {
	ledger := &fakeLedger{spend: decimal.RequireFromString("99.9999")}
	e := New(ledger)

	err := e.Enforce(context.Background(), "k1", Limits{
		DailyBudgetRub:   dec("100"),
		MonthlyBudgetRub: dec("1000"),
	})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if len(ledger.sinces) != 2 {
		t.Fatalf("expected both caps checked, got %d queries", len(ledger.sinces))
	}
}

func TestEnforce_AtCapRejects(t *testing.T) {
	// "sum >= cap" rejects — reaching the cap exactly is already over.
	ledger := &fakeLedger{spend: decimal.RequireFromString("100")}
	e := New(ledger)

	err := e.Enforce(context.Background(), "k1", Limits{DailyBudgetRub: dec("100")})
	var pub *apierrs.PublicError
	if !errors.As(err, &pub) {
		t.Fatalf("expected PublicError, got %v", err)
	}
	if pub.StatusCode != 429 || pub.Code != apierrs.CodeBudgetExceeded {
		t.Fatalf("got (%d, %s), want (429, budget_exceeded)", pub.StatusCode, pub.Code)
	}
}

func TestEnforce_UTCCalendarBoundaries(t *testing.T) {
	ledger := &fakeLedger{}
	e := New(ledger)
	e.clock = func() time.Time {
		return time.Date(2026, 7, 15, 13, 45, 0, 0, time.FixedZone("MSK", 3*3600))
	}

	err := e.Enforce(context.Background(), "k1", Limits{
		DailyBudgetRub:   dec("1"),
		MonthlyBudgetRub: dec("1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDay := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	wantMonth := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if !ledger.sinces[0].Equal(wantDay) {
		t.Fatalf("daily since = %v, want %v", ledger.sinces[0], wantDay)
	}
	if !ledger.sinces[1].Equal(wantMonth) {
		t.Fatalf("monthly since = %v, want %v", ledger.sinces[1], wantMonth)
	}
}

func TestEnforce_LedgerErrorPropagates(t *testing.T) {
	wantErr := errors.New("clickhouse down")
	e := New(&fakeLedger{err: wantErr})

	err := e.Enforce(context.Background(), "k1", Limits{DailyBudgetRub: dec("1")})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected ledger error to propagate, got %v", err)
	}
}
