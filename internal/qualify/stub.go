package qualify

import (
	"context"
	"time"
)

// StubSafetyOracle returns a fixed verdict. Used in paper mode and tests.
type StubSafetyOracle struct {
	Verdict SafetyVerdict
	Value   float64
}

func (s StubSafetyOracle) Check(_ context.Context, _ string) (SafetyResult, error) {
	return SafetyResult{Verdict: s.Verdict, Score: s.Value, CheckedAt: time.Now().UTC()}, nil
}

// StubSocialOracle returns a fixed social score.
type StubSocialOracle struct {
	Value float64
	Valid bool
}

func (s StubSocialOracle) Score(_ context.Context, _, _ string) (SocialResult, error) {
	return SocialResult{Score: s.Value, Valid: s.Valid}, nil
}
