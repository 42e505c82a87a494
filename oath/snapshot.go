package oath

import (
	"context"
	"time"

	"github.com/ggoodman/solo2-authenticator/errkind"
)

// Summary is a credential label paired with its current code.
type Summary struct {
	Label string `json:"label"`
	Code  string `json:"code"`
	// Period is the window length the code was computed for.
	Period int `json:"period"`
	// Err is set when the code could not be computed; Code is then
	// CodeUnavailable.
	Err error `json:"-"`
}

// Result is the outcome of Session.Snapshot.
type Result struct {
	Credentials []Summary
	// Duplicates lists labels the device reported more than once, in order
	// of their second occurrence.
	Duplicates []string
}

// PeriodFunc returns the period to use for label.
type PeriodFunc func(ctx context.Context, label string) int

// PeriodOr returns the period encoded in the entry's name, then the one
// fallback reports, then DefaultPeriod.
func (e Entry) PeriodOr(ctx context.Context, fallback PeriodFunc) int {
	if e.Period > 0 {
		return e.Period
	}
	if fallback != nil {
		if v := fallback(ctx, e.Label); v > 0 {
			return v
		}
	}
	return DefaultPeriod
}

// Snapshot lists the credentials and calculates a code for each TOTP entry
// at now. Device order is preserved and duplicate labels are kept. A failure
// on one credential is recorded on its Summary; only failures that poison the
// connection (Transport, Timeout) abort the pass.
func (s *Session) Snapshot(ctx context.Context, now time.Time, period PeriodFunc) (Result, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Credentials: make([]Summary, 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Type != TOTP {
			continue
		}
		if seen[e.Label] {
			res.Duplicates = append(res.Duplicates, e.Label)
		}
		seen[e.Label] = true

		p := e.PeriodOr(ctx, period)
		code, err := s.Calculate(ctx, e.Name, now, p)
		if err != nil {
			if errkind.Of(err).Invalidates() {
				return Result{}, err
			}
			res.Credentials = append(res.Credentials, Summary{Label: e.Label, Code: CodeUnavailable, Period: p, Err: err})
			continue
		}
		res.Credentials = append(res.Credentials, Summary{Label: e.Label, Code: code, Period: p})
	}
	return res, nil
}
