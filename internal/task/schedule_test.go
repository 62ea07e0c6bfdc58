package task

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "millis", raw: "1500ms", kind: SpecInterval, source: "duration", duration: 1500 * time.Millisecond},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every hhmm", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:", "00:75", "-5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestCompileSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	sched, err := compileSchedule(Config{IntervalMs: 250})
	if err != nil || sched == nil {
		t.Fatalf("compile interval: %v", err)
	}
	if got := sched.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Fatalf("interval Next = %v", got)
	}

	sched, err = compileSchedule(Config{Schedule: "*/15 * * * *"})
	if err != nil {
		t.Fatalf("compile cron: %v", err)
	}
	if got, want := sched.Next(base), time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}

	if sched, err := compileSchedule(Config{}); err != nil || sched != nil {
		t.Fatalf("run-once config = %v,%v, want nil,nil", sched, err)
	}
	if _, err := compileSchedule(Config{Schedule: "cron:61 * * * *"}); err == nil {
		t.Fatal("expected invalid cron error")
	}
}
