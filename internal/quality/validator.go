package quality

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// Score weights: each error costs 25 points of the record score, each
// warning 10, clamped to [0, 1].
const (
	errorWeight   = 0.25
	warningWeight = 0.10
)

// Severity grades a validation outcome.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// RuleKind selects the check a FieldRule applies.
type RuleKind string

const (
	RuleRequired RuleKind = "required" // non-empty string / non-zero date / non-zero number
	RuleFinite   RuleKind = "finite"   // numeric, rejects NaN and Inf
	RuleRange    RuleKind = "range"    // numeric, inclusive Min/Max bounds
	RuleRegex    RuleKind = "regex"    // string, full-match pattern
	RuleEnum     RuleKind = "enum"     // string, membership in Values
)

// FieldRule is one configured check against a named bar field. Fields:
// code, date, open, high, low, close, volume, amount, change_pct, source.
type FieldRule struct {
	Field    string   `yaml:"field" json:"field"`
	Kind     RuleKind `yaml:"kind" json:"kind"`
	Severity Severity `yaml:"severity,omitempty" json:"severity,omitempty"` // default error
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// ValidatorConfig drives the rule set. Cross-field price coherence and
// the change-percent band always run; MaxChangePct maps market type to
// the allowed absolute daily change, in percent.
type ValidatorConfig struct {
	Rules        []FieldRule                   `yaml:"rules" json:"rules"`
	MaxChangePct map[models.MarketType]float64 `yaml:"max_change_pct" json:"max_change_pct"`
}

// DefaultConfig is the daily-bar rule set used by ingestion: required
// identity fields, finite positive prices, a symbol pattern, and the
// A-share ±10% band.
func DefaultConfig() ValidatorConfig {
	zero := 0.0
	return ValidatorConfig{
		Rules: []FieldRule{
			{Field: "code", Kind: RuleRequired},
			{Field: "code", Kind: RuleRegex, Pattern: `^[a-z]{0,2}[0-9A-Z.]{1,12}$`},
			{Field: "date", Kind: RuleRequired},
			{Field: "open", Kind: RuleFinite},
			{Field: "high", Kind: RuleFinite},
			{Field: "low", Kind: RuleFinite},
			{Field: "close", Kind: RuleFinite},
			{Field: "volume", Kind: RuleRange, Min: &zero},
			{Field: "amount", Kind: RuleRange, Min: &zero, Severity: SeverityWarning},
		},
		MaxChangePct: map[models.MarketType]float64{
			models.MarketAShare: 10,
		},
	}
}

// Outcome is one finding on one record.
type Outcome struct {
	Code     string   `json:"code"`
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// RecordResult is the validation verdict for a single bar.
type RecordResult struct {
	Index     int       `json:"index"`
	BarCode   string    `json:"bar_code"`
	Date      time.Time `json:"date"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
	HasErrors bool      `json:"has_errors"`
	Score     float64   `json:"score"`
}

// Report aggregates a batch validation run.
type Report struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Errors   int            `json:"errors"`
	Warnings int            `json:"warnings"`
	Infos    int            `json:"infos"`
	Duration time.Duration  `json:"duration"`
	Results  []RecordResult `json:"results"`
}

// Validator applies a compiled rule set to daily bars. Stateless after
// construction; safe for concurrent use.
type Validator struct {
	cfg      ValidatorConfig
	patterns map[int]*regexp.Regexp // rule index -> compiled pattern
}

// NewValidator compiles the rule set. Invalid kinds, unknown fields
// and malformed patterns are configuration errors.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	patterns := make(map[int]*regexp.Regexp)
	for i, r := range cfg.Rules {
		if _, ok := fieldKinds[r.Field]; !ok {
			return nil, fmt.Errorf("quality: rule %d: unknown field %q", i, r.Field)
		}
		switch r.Kind {
		case RuleRequired, RuleFinite, RuleEnum:
		case RuleRange:
			if r.Min == nil && r.Max == nil {
				return nil, fmt.Errorf("quality: rule %d: range needs min or max", i)
			}
		case RuleRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("quality: rule %d: invalid pattern: %w", i, err)
			}
			patterns[i] = re
		default:
			return nil, fmt.Errorf("quality: rule %d: unknown kind %q", i, r.Kind)
		}
	}
	return &Validator{cfg: cfg, patterns: patterns}, nil
}

// ValidateBars runs the rule set over a batch. Record order is
// preserved; ctx is checked between records.
func (v *Validator) ValidateBars(ctx context.Context, bars []models.Bar, market models.MarketType) (*Report, error) {
	start := time.Now()
	report := &Report{Total: len(bars), Results: make([]RecordResult, 0, len(bars))}

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := v.ValidateBar(bar, market)
		res.Index = i

		if res.HasErrors {
			report.Failed++
		} else {
			report.Passed++
		}
		for _, o := range res.Outcomes {
			switch o.Severity {
			case SeverityError:
				report.Errors++
			case SeverityWarning:
				report.Warnings++
			default:
				report.Infos++
			}
		}
		report.Results = append(report.Results, res)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// ValidateBar checks a single bar against the configured rules plus
// the built-in cross-field price coherence and change-band checks.
func (v *Validator) ValidateBar(bar models.Bar, market models.MarketType) RecordResult {
	res := RecordResult{BarCode: bar.Code, Date: bar.Date}

	for i, r := range v.cfg.Rules {
		if o, bad := v.applyRule(i, r, bar); bad {
			res.Outcomes = append(res.Outcomes, o)
		}
	}
	res.Outcomes = append(res.Outcomes, coherenceOutcomes(bar)...)
	if o, bad := changeBandOutcome(bar, market, v.cfg.MaxChangePct); bad {
		res.Outcomes = append(res.Outcomes, o)
	}

	errs, warns := 0, 0
	for _, o := range res.Outcomes {
		switch o.Severity {
		case SeverityError:
			errs++
		case SeverityWarning:
			warns++
		}
	}
	res.HasErrors = errs > 0
	res.Score = math.Max(0, math.Min(1, 1-(errorWeight*float64(errs)+warningWeight*float64(warns))))
	return res
}

func (v *Validator) applyRule(idx int, r FieldRule, bar models.Bar) (Outcome, bool) {
	severity := r.Severity
	if severity == "" {
		severity = SeverityError
	}
	fail := func(code, msg string) (Outcome, bool) {
		return Outcome{Code: code, Field: r.Field, Severity: severity, Message: msg}, true
	}

	num, str, date, kind := fieldValue(bar, r.Field)

	switch r.Kind {
	case RuleRequired:
		switch kind {
		case fieldString:
			if str == "" {
				return fail("required", fmt.Sprintf("field %s is empty", r.Field))
			}
		case fieldDate:
			if date.IsZero() {
				return fail("required", "field date is unset")
			}
		default:
			if num == 0 {
				return fail("required", fmt.Sprintf("field %s is zero", r.Field))
			}
		}
	case RuleFinite:
		if kind == fieldNumber && (math.IsNaN(num) || math.IsInf(num, 0)) {
			return fail("not_finite", fmt.Sprintf("field %s is %v", r.Field, num))
		}
	case RuleRange:
		if kind != fieldNumber || math.IsNaN(num) {
			return fail("range", fmt.Sprintf("field %s is not comparable", r.Field))
		}
		if r.Min != nil && num < *r.Min {
			return fail("range", fmt.Sprintf("field %s %.4f below minimum %.4f", r.Field, num, *r.Min))
		}
		if r.Max != nil && num > *r.Max {
			return fail("range", fmt.Sprintf("field %s %.4f above maximum %.4f", r.Field, num, *r.Max))
		}
	case RuleRegex:
		if !v.patterns[idx].MatchString(str) {
			return fail("regex_mismatch", fmt.Sprintf("field %s %q does not match %s", r.Field, str, r.Pattern))
		}
	case RuleEnum:
		for _, allowed := range r.Values {
			if str == allowed {
				return Outcome{}, false
			}
		}
		return fail("enum", fmt.Sprintf("field %s %q not in allowed set", r.Field, str))
	}
	return Outcome{}, false
}

// coherenceOutcomes runs the cross-field price checks. Records with
// non-finite or non-positive prices get the price_invalid error and
// skip the relational checks, which would be meaningless.
func coherenceOutcomes(bar models.Bar) []Outcome {
	var out []Outcome
	prices := map[string]float64{"open": bar.Open, "high": bar.High, "low": bar.Low, "close": bar.Close}
	clean := true
	for _, f := range []string{"open", "high", "low", "close"} {
		p := prices[f]
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			out = append(out, Outcome{
				Code: "price_invalid", Field: f, Severity: SeverityError,
				Message: fmt.Sprintf("field %s %.4f is not a positive finite price", f, p),
			})
			clean = false
		}
	}
	if !clean {
		return out
	}

	if bar.High < bar.Low {
		out = append(out, Outcome{
			Code: "high_below_low", Field: "high", Severity: SeverityError,
			Message: fmt.Sprintf("high %.4f below low %.4f", bar.High, bar.Low),
		})
	}
	if bar.Open < bar.Low || bar.Open > bar.High {
		out = append(out, Outcome{
			Code: "open_outside_range", Field: "open", Severity: SeverityError,
			Message: fmt.Sprintf("open %.4f outside [%.4f, %.4f]", bar.Open, bar.Low, bar.High),
		})
	}
	if bar.Close < bar.Low || bar.Close > bar.High {
		out = append(out, Outcome{
			Code: "close_outside_range", Field: "close", Severity: SeverityError,
			Message: fmt.Sprintf("close %.4f outside [%.4f, %.4f]", bar.Close, bar.Low, bar.High),
		})
	}
	return out
}

func changeBandOutcome(bar models.Bar, market models.MarketType, bands map[models.MarketType]float64) (Outcome, bool) {
	band, ok := bands[market]
	if !ok || band <= 0 {
		return Outcome{}, false
	}
	if math.Abs(bar.ChangePct) <= band {
		return Outcome{}, false
	}
	return Outcome{
		Code: "change_band", Field: "change_pct", Severity: SeverityWarning,
		Message: fmt.Sprintf("change %.2f%% outside ±%.2f%% band", bar.ChangePct, band),
	}, true
}

type fieldKind int

const (
	fieldNumber fieldKind = iota
	fieldString
	fieldDate
)

var fieldKinds = map[string]fieldKind{
	"code":       fieldString,
	"source":     fieldString,
	"date":       fieldDate,
	"open":       fieldNumber,
	"high":       fieldNumber,
	"low":        fieldNumber,
	"close":      fieldNumber,
	"volume":     fieldNumber,
	"amount":     fieldNumber,
	"change_pct": fieldNumber,
}

func fieldValue(bar models.Bar, field string) (float64, string, time.Time, fieldKind) {
	switch field {
	case "code":
		return 0, bar.Code, time.Time{}, fieldString
	case "source":
		return 0, bar.Source, time.Time{}, fieldString
	case "date":
		return 0, "", bar.Date, fieldDate
	case "open":
		return bar.Open, "", time.Time{}, fieldNumber
	case "high":
		return bar.High, "", time.Time{}, fieldNumber
	case "low":
		return bar.Low, "", time.Time{}, fieldNumber
	case "close":
		return bar.Close, "", time.Time{}, fieldNumber
	case "volume":
		return float64(bar.Volume), "", time.Time{}, fieldNumber
	case "amount":
		return bar.Amount, "", time.Time{}, fieldNumber
	case "change_pct":
		return bar.ChangePct, "", time.Time{}, fieldNumber
	}
	return 0, "", time.Time{}, fieldNumber
}
