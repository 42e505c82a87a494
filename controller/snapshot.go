package controller

import (
	"time"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/oath"
)

// Snapshot is the published view of the device. A Snapshot is never
// modified after publication.
type Snapshot struct {
	DevicePresent bool           `json:"device_present"`
	DeviceID      string         `json:"device_id,omitempty"`
	Credentials   []oath.Summary `json:"credentials"`
	Info          *admin.Info    `json:"info,omitempty"`
	// WindowRemaining is the lifetime of the displayed codes in seconds, in
	// 1..Period. It equals Period while no device is present.
	WindowRemaining int       `json:"window_remaining_seconds"`
	Period          int       `json:"period"`
	Step            int64     `json:"step"`
	Duplicates      []string  `json:"duplicates,omitempty"`
	TakenAt         time.Time `json:"taken_at"`
}

// Window returns a copy of s with WindowRemaining recomputed for now. It
// never performs device I/O.
func (s *Snapshot) Window(now time.Time) *Snapshot {
	out := *s
	if s.DevicePresent {
		out.WindowRemaining = oath.Remaining(now, s.Period)
	} else {
		out.WindowRemaining = s.Period
	}
	return &out
}

// Code returns the code of the first credential named label.
func (s *Snapshot) Code(label string) (string, bool) {
	for _, c := range s.Credentials {
		if c.Label == label {
			return c.Code, true
		}
	}
	return "", false
}

func absent(now time.Time, period int) *Snapshot {
	return &Snapshot{
		Credentials:     []oath.Summary{},
		WindowRemaining: period,
		Period:          period,
		Step:            oath.Step(now, period),
		TakenAt:         now,
	}
}

func present(now time.Time, period int, id string, res oath.Result, info *admin.Info) *Snapshot {
	creds := make([]oath.Summary, len(res.Credentials))
	copy(creds, res.Credentials)
	return &Snapshot{
		DevicePresent:   true,
		DeviceID:        id,
		Credentials:     creds,
		Info:            info,
		WindowRemaining: oath.Remaining(now, period),
		Period:          period,
		Step:            oath.Step(now, period),
		Duplicates:      append([]string(nil), res.Duplicates...),
		TakenAt:         now,
	}
}
