// Package pricing maps model ids to token prices: an ordered list of
// regex→price rules, matched full-string against the model id, first match
// wins, with a fallback default rate. Cost is computed in fixed-precision
// decimal arithmetic so repeated sums never accumulate floating-point
// drift — internal/budget depends on that. The compiled table is immutable
// after load.
package pricing

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

//go:embed data/pricing.json
var defaultPricingFS embed.FS

// Rate is a prompt/completion rate pair, in currency units per 1,000 tokens.
type Rate struct {
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
}

type rule struct {
	re   *regexp.Regexp
	rate Rate
}

// rawModel and rawTable mirror the JSON schema: defaults + an ordered
// models[] list of {match, prompt_per_1k, completion_per_1k}. Rates are
// pointers so an absent field (inherit the default) is distinguishable
// from an explicit 0.0 (a free model).
type rawModel struct {
	Match           string   `json:"match"`
	PromptPer1K     *float64 `json:"prompt_per_1k"`
	CompletionPer1K *float64 `json:"completion_per_1k"`
}

type rawTable struct {
	Defaults rawModel   `json:"defaults"`
	Models   []rawModel `json:"models"`
}

// Table is the immutable, precompiled price table. Safe for concurrent use
// — there is no mutable state after Load returns.
type Table struct {
	defaults Rate
	rules    []rule
}

// Load reads and compiles a price table from raw JSON bytes matching the
// schema above. Absent per-rule fields inherit the table-level defaults.
func Load(raw []byte) (*Table, error) {
	var parsed rawTable
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("pricing: parse table: %w", err)
	}

	t := &Table{
		defaults: Rate{
			PromptPer1K:     decimal.NewFromFloat(floatOrZero(parsed.Defaults.PromptPer1K)),
			CompletionPer1K: decimal.NewFromFloat(floatOrZero(parsed.Defaults.CompletionPer1K)),
		},
	}

	for _, m := range parsed.Models {
		re, err := regexp.Compile("^(?:" + m.Match + ")$")
		if err != nil {
			return nil, fmt.Errorf("pricing: compile pattern %q: %w", m.Match, err)
		}
		rate := t.defaults
		if m.PromptPer1K != nil {
			rate.PromptPer1K = decimal.NewFromFloat(*m.PromptPer1K)
		}
		if m.CompletionPer1K != nil {
			rate.CompletionPer1K = decimal.NewFromFloat(*m.CompletionPer1K)
		}
		t.rules = append(t.rules, rule{re: re, rate: rate})
	}

	return t, nil
}

// LoadDefault loads the price table embedded at build time
// (data/pricing.json).
func LoadDefault() (*Table, error) {
	raw, err := defaultPricingFS.ReadFile("data/pricing.json")
	if err != nil {
		return nil, fmt.Errorf("pricing: read embedded default: %w", err)
	}
	return Load(raw)
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// RateFor returns the matching rate for model: first full-string regex
// match wins, otherwise the table defaults.
func (t *Table) RateFor(model string) Rate {
	for _, r := range t.rules {
		if r.re.MatchString(model) {
			return r.rate
		}
	}
	return t.defaults
}

// Cost computes cost(model, pt, ct) = (pt/1000)*prompt_rate +
// (ct/1000)*completion_rate in fixed-precision decimal arithmetic.
// Returns nil only when both promptTokens and
// completionTokens are nil — "unknown cost", never zero cost.
func (t *Table) Cost(model string, promptTokens, completionTokens *int) *decimal.Decimal {
	if promptTokens == nil && completionTokens == nil {
		return nil
	}
	rate := t.RateFor(model)

	total := decimal.Zero
	if promptTokens != nil {
		pt := decimal.NewFromInt(int64(*promptTokens))
		total = total.Add(pt.Div(decimal.NewFromInt(1000)).Mul(rate.PromptPer1K))
	}
	if completionTokens != nil {
		ct := decimal.NewFromInt(int64(*completionTokens))
		total = total.Add(ct.Div(decimal.NewFromInt(1000)).Mul(rate.CompletionPer1K))
	}
	result := total.Round(4)
	return &result
}
