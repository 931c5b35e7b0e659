package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Schedule is the tagged-variant grammar of spec §6: exactly one of
// TimeOfDay, Hours, Weekdays, or Cron is populated, selected by Kind.
// Modeling it as a single struct with a discriminant (rather than an
// interface per variant) keeps it trivially JSON-serializable for the
// opaque AutomationJob.Schedule column while still giving Canonicalize a
// single, exhaustive switch.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// TimeOfDay
	Hour     int    `json:"hour,omitempty"`
	Minute   int    `json:"minute,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Hours
	EveryNHours int `json:"every_n_hours,omitempty"`
	StartingAt  int `json:"starting_at,omitempty"` // hour-of-day, 0-23

	// Weekdays
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// Cron
	Expression string `json:"expression,omitempty"`
}

type ScheduleKind string

const (
	ScheduleTimeOfDay ScheduleKind = "TimeOfDay"
	ScheduleHours     ScheduleKind = "Hours"
	ScheduleWeekdays  ScheduleKind = "Weekdays"
	ScheduleCron      ScheduleKind = "Cron"
)

// Canonicalize projects any Schedule variant to a 5-field cron expression
// plus an IANA timezone, per spec §6/§4.8.
func (s Schedule) Canonicalize() (cronExpr string, timezone string, err error) {
	switch s.Kind {
	case ScheduleTimeOfDay:
		if s.Timezone == "" {
			return "", "", fmt.Errorf("domain: TimeOfDay schedule requires timezone")
		}
		return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour), s.Timezone, nil

	case ScheduleHours:
		if s.EveryNHours <= 0 {
			return "", "", fmt.Errorf("domain: Hours schedule requires every_n_hours > 0")
		}
		if s.EveryNHours >= 24 {
			return fmt.Sprintf("%d %d * * *", 0, s.StartingAt%24), "UTC", nil
		}
		return fmt.Sprintf("%d %d/%d * * *", 0, s.StartingAt%24, s.EveryNHours), "UTC", nil

	case ScheduleWeekdays:
		if len(s.Weekdays) == 0 {
			return "", "", fmt.Errorf("domain: Weekdays schedule requires at least one weekday")
		}
		if s.Timezone == "" {
			return "", "", fmt.Errorf("domain: Weekdays schedule requires timezone")
		}
		days := make([]int, 0, len(s.Weekdays))
		for _, w := range s.Weekdays {
			days = append(days, int(w))
		}
		sort.Ints(days)
		strs := make([]string, len(days))
		for i, d := range days {
			strs[i] = fmt.Sprintf("%d", d)
		}
		return fmt.Sprintf("%d %d * * %s", s.Minute, s.Hour, strings.Join(strs, ",")), s.Timezone, nil

	case ScheduleCron:
		if strings.TrimSpace(s.Expression) == "" {
			return "", "", fmt.Errorf("domain: Cron schedule requires expression")
		}
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return s.Expression, tz, nil

	default:
		return "", "", fmt.Errorf("domain: unknown schedule kind %q", s.Kind)
	}
}
