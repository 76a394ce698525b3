// Package policy holds the numeric guardrails that bound every action the
// autopilot takes. Operators supply partial overrides; Resolve merges them
// onto conservative defaults and validates every field, failing closed on
// any violated constraint.
package policy

import (
	"errors"
	"fmt"
)

// ErrInvalid wraps every validation failure so callers can classify it as
// a fatal configuration error.
var ErrInvalid = errors.New("invalid policy")

// Policy is the fully-resolved guardrail set. All durations are minutes.
type Policy struct {
	MinBudgetNear              float64 `json:"minBudgetNear" mapstructure:"minBudgetNear"`
	MaxBudgetNear              float64 `json:"maxBudgetNear" mapstructure:"maxBudgetNear"`
	BidDiscountBps             int     `json:"bidDiscountBps" mapstructure:"bidDiscountBps"`
	MinBidNear                 float64 `json:"minBidNear" mapstructure:"minBidNear"`
	MaxBidNear                 float64 `json:"maxBidNear" mapstructure:"maxBidNear"`
	MaxExistingBids            int     `json:"maxExistingBids" mapstructure:"maxExistingBids"`
	MinMarginNear              float64 `json:"minMarginNear" mapstructure:"minMarginNear"`
	StalePendingBidMinutes     int     `json:"stalePendingBidMinutes" mapstructure:"stalePendingBidMinutes"`
	SubmitRetryLimit           int     `json:"submitRetryLimit" mapstructure:"submitRetryLimit"`
	SubmitRetryBackoffMinutes  int     `json:"submitRetryBackoffMinutes" mapstructure:"submitRetryBackoffMinutes"`
	SubmitRetryMaxBackoffMin   int     `json:"submitRetryMaxBackoffMinutes" mapstructure:"submitRetryMaxBackoffMinutes"`
	SubmitEscalateAfterMinutes int     `json:"submitEscalateAfterMinutes" mapstructure:"submitEscalateAfterMinutes"`
	SubmitEscalationLimit      int     `json:"submitEscalationLimit" mapstructure:"submitEscalationLimit"`
	FailClosed                 bool    `json:"failClosed" mapstructure:"failClosed"`
}

// Overrides is a partial policy; nil fields fall back to defaults.
type Overrides struct {
	MinBudgetNear              *float64 `json:"minBudgetNear" mapstructure:"minBudgetNear"`
	MaxBudgetNear              *float64 `json:"maxBudgetNear" mapstructure:"maxBudgetNear"`
	BidDiscountBps             *int     `json:"bidDiscountBps" mapstructure:"bidDiscountBps"`
	MinBidNear                 *float64 `json:"minBidNear" mapstructure:"minBidNear"`
	MaxBidNear                 *float64 `json:"maxBidNear" mapstructure:"maxBidNear"`
	MaxExistingBids            *int     `json:"maxExistingBids" mapstructure:"maxExistingBids"`
	MinMarginNear              *float64 `json:"minMarginNear" mapstructure:"minMarginNear"`
	StalePendingBidMinutes     *int     `json:"stalePendingBidMinutes" mapstructure:"stalePendingBidMinutes"`
	SubmitRetryLimit           *int     `json:"submitRetryLimit" mapstructure:"submitRetryLimit"`
	SubmitRetryBackoffMinutes  *int     `json:"submitRetryBackoffMinutes" mapstructure:"submitRetryBackoffMinutes"`
	SubmitRetryMaxBackoffMin   *int     `json:"submitRetryMaxBackoffMinutes" mapstructure:"submitRetryMaxBackoffMinutes"`
	SubmitEscalateAfterMinutes *int     `json:"submitEscalateAfterMinutes" mapstructure:"submitEscalateAfterMinutes"`
	SubmitEscalationLimit      *int     `json:"submitEscalationLimit" mapstructure:"submitEscalationLimit"`
	FailClosed                 *bool    `json:"failClosed" mapstructure:"failClosed"`
}

// Defaults returns the built-in conservative guardrails.
func Defaults() Policy {
	return Policy{
		MinBudgetNear:              0.05,
		MaxBudgetNear:              50,
		BidDiscountBps:             7000,
		MinBidNear:                 0.01,
		MaxBidNear:                 25,
		MaxExistingBids:            8,
		MinMarginNear:              0.01,
		StalePendingBidMinutes:     240,
		SubmitRetryLimit:           5,
		SubmitRetryBackoffMinutes:  5,
		SubmitRetryMaxBackoffMin:   60,
		SubmitEscalateAfterMinutes: 120,
		SubmitEscalationLimit:      3,
		FailClosed:                 true,
	}
}

// Resolve merges o onto the defaults and validates the result.
func Resolve(o Overrides) (Policy, error) {
	p := Defaults()

	if o.MinBudgetNear != nil {
		p.MinBudgetNear = *o.MinBudgetNear
	}
	if o.MaxBudgetNear != nil {
		p.MaxBudgetNear = *o.MaxBudgetNear
	}
	if o.BidDiscountBps != nil {
		p.BidDiscountBps = *o.BidDiscountBps
	}
	if o.MinBidNear != nil {
		p.MinBidNear = *o.MinBidNear
	}
	if o.MaxBidNear != nil {
		p.MaxBidNear = *o.MaxBidNear
	}
	if o.MaxExistingBids != nil {
		p.MaxExistingBids = *o.MaxExistingBids
	}
	if o.MinMarginNear != nil {
		p.MinMarginNear = *o.MinMarginNear
	}
	if o.StalePendingBidMinutes != nil {
		p.StalePendingBidMinutes = *o.StalePendingBidMinutes
	}
	if o.SubmitRetryLimit != nil {
		p.SubmitRetryLimit = *o.SubmitRetryLimit
	}
	if o.SubmitRetryBackoffMinutes != nil {
		p.SubmitRetryBackoffMinutes = *o.SubmitRetryBackoffMinutes
	}
	if o.SubmitRetryMaxBackoffMin != nil {
		p.SubmitRetryMaxBackoffMin = *o.SubmitRetryMaxBackoffMin
	}
	if o.SubmitEscalateAfterMinutes != nil {
		p.SubmitEscalateAfterMinutes = *o.SubmitEscalateAfterMinutes
	}
	if o.SubmitEscalationLimit != nil {
		p.SubmitEscalationLimit = *o.SubmitEscalationLimit
	}
	if o.FailClosed != nil {
		p.FailClosed = *o.FailClosed
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks every field's constraint.
func (p Policy) Validate() error {
	if p.MinBudgetNear <= 0 {
		return fmt.Errorf("%w: minBudgetNear must be > 0, got %v", ErrInvalid, p.MinBudgetNear)
	}
	if p.MaxBudgetNear < p.MinBudgetNear {
		return fmt.Errorf("%w: maxBudgetNear %v must be >= minBudgetNear %v", ErrInvalid, p.MaxBudgetNear, p.MinBudgetNear)
	}
	if p.BidDiscountBps < 1 || p.BidDiscountBps > 10000 {
		return fmt.Errorf("%w: bidDiscountBps must be in [1, 10000], got %d", ErrInvalid, p.BidDiscountBps)
	}
	if p.MinBidNear <= 0 {
		return fmt.Errorf("%w: minBidNear must be > 0, got %v", ErrInvalid, p.MinBidNear)
	}
	if p.MaxBidNear < p.MinBidNear {
		return fmt.Errorf("%w: maxBidNear %v must be >= minBidNear %v", ErrInvalid, p.MaxBidNear, p.MinBidNear)
	}
	if p.MaxExistingBids < 0 {
		return fmt.Errorf("%w: maxExistingBids must be >= 0, got %d", ErrInvalid, p.MaxExistingBids)
	}
	if p.MinMarginNear < 0 {
		return fmt.Errorf("%w: minMarginNear must be >= 0, got %v", ErrInvalid, p.MinMarginNear)
	}
	if p.StalePendingBidMinutes <= 0 {
		return fmt.Errorf("%w: stalePendingBidMinutes must be > 0, got %d", ErrInvalid, p.StalePendingBidMinutes)
	}
	if p.SubmitRetryLimit <= 0 {
		return fmt.Errorf("%w: submitRetryLimit must be > 0, got %d", ErrInvalid, p.SubmitRetryLimit)
	}
	if p.SubmitRetryBackoffMinutes <= 0 {
		return fmt.Errorf("%w: submitRetryBackoffMinutes must be > 0, got %d", ErrInvalid, p.SubmitRetryBackoffMinutes)
	}
	if p.SubmitRetryMaxBackoffMin < p.SubmitRetryBackoffMinutes {
		return fmt.Errorf("%w: submitRetryMaxBackoffMinutes %d must be >= submitRetryBackoffMinutes %d",
			ErrInvalid, p.SubmitRetryMaxBackoffMin, p.SubmitRetryBackoffMinutes)
	}
	if p.SubmitEscalateAfterMinutes <= 0 {
		return fmt.Errorf("%w: submitEscalateAfterMinutes must be > 0, got %d", ErrInvalid, p.SubmitEscalateAfterMinutes)
	}
	if p.SubmitEscalationLimit < 0 {
		return fmt.Errorf("%w: submitEscalationLimit must be >= 0, got %d", ErrInvalid, p.SubmitEscalationLimit)
	}
	return nil
}
