package domain

import (
	"testing"
	"time"
)

func TestCanonicalize_TimeOfDay(t *testing.T) {
	s := Schedule{Kind: ScheduleTimeOfDay, Hour: 9, Minute: 30, Timezone: "Europe/Moscow"}
	expr, tz, err := s.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if expr != "30 9 * * *" {
		t.Errorf("expected cron %q, got %q", "30 9 * * *", expr)
	}
	if tz != "Europe/Moscow" {
		t.Errorf("expected timezone preserved, got %q", tz)
	}
}

func TestCanonicalize_TimeOfDay_RequiresTimezone(t *testing.T) {
	s := Schedule{Kind: ScheduleTimeOfDay, Hour: 9, Minute: 0}
	if _, _, err := s.Canonicalize(); err == nil {
		t.Fatal("expected error for missing timezone")
	}
}

func TestCanonicalize_Hours(t *testing.T) {
	s := Schedule{Kind: ScheduleHours, EveryNHours: 4, StartingAt: 2}
	expr, tz, err := s.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if expr != "0 2/4 * * *" {
		t.Errorf("expected cron %q, got %q", "0 2/4 * * *", expr)
	}
	if tz != "UTC" {
		t.Errorf("expected UTC, got %q", tz)
	}
}

func TestCanonicalize_Hours_DailyWhenAtLeast24(t *testing.T) {
	s := Schedule{Kind: ScheduleHours, EveryNHours: 24, StartingAt: 5}
	expr, _, err := s.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if expr != "0 5 * * *" {
		t.Errorf("expected daily cron at starting hour, got %q", expr)
	}
}

func TestCanonicalize_Weekdays_SortsAndJoins(t *testing.T) {
	s := Schedule{
		Kind: ScheduleWeekdays, Hour: 8, Minute: 15, Timezone: "UTC",
		Weekdays: []time.Weekday{time.Friday, time.Monday},
	}
	expr, _, err := s.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if expr != "15 8 * * 1,5" {
		t.Errorf("expected sorted weekday list, got %q", expr)
	}
}

func TestCanonicalize_Weekdays_RequiresAtLeastOne(t *testing.T) {
	s := Schedule{Kind: ScheduleWeekdays, Hour: 8, Minute: 0, Timezone: "UTC"}
	if _, _, err := s.Canonicalize(); err == nil {
		t.Fatal("expected error for empty weekday set")
	}
}

func TestCanonicalize_Cron_PassesThroughAndDefaultsTZ(t *testing.T) {
	s := Schedule{Kind: ScheduleCron, Expression: "*/15 * * * *"}
	expr, tz, err := s.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if expr != "*/15 * * * *" {
		t.Errorf("expected expression passed through verbatim, got %q", expr)
	}
	if tz != "UTC" {
		t.Errorf("expected default UTC timezone, got %q", tz)
	}
}

func TestCanonicalize_Cron_RequiresExpression(t *testing.T) {
	s := Schedule{Kind: ScheduleCron}
	if _, _, err := s.Canonicalize(); err == nil {
		t.Fatal("expected error for empty cron expression")
	}
}

func TestCanonicalize_UnknownKind(t *testing.T) {
	s := Schedule{Kind: "bogus"}
	if _, _, err := s.Canonicalize(); err == nil {
		t.Fatal("expected error for unknown schedule kind")
	}
}
