package common

import (
	"testing"
	"time"
)

func TestBuildCronExpression(t *testing.T) {
	tests := []struct {
		name        string
		runEvery    int
		unit        ScheduleUnit
		startFrom   string
		dayOfMonth  int
		atTimeStart string
		want        string
		wantErr     bool
	}{
		{name: "every 15 minutes", runEvery: 15, unit: UnitMinutes, want: "*/15 * * * *"},
		{name: "every 2 hours at half past", runEvery: 2, unit: UnitHours, atTimeStart: "00:30", want: "30 */2 * * *"},
		{name: "every 3 days at 9:30", runEvery: 3, unit: UnitDays, atTimeStart: "09:30", want: "30 9 */3 * *"},
		{name: "weekly on monday", runEvery: 1, unit: UnitWeeks, startFrom: "MONDAY", atTimeStart: "09:30", want: "30 9 * * 1"},
		{name: "monthly on the 15th", runEvery: 1, unit: UnitMonths, dayOfMonth: 15, atTimeStart: "08:00", want: "0 8 15 */1 *"},
		{name: "days default midnight", runEvery: 1, unit: UnitDays, want: "0 0 */1 * *"},
		{name: "zero interval", runEvery: 0, unit: UnitMinutes, wantErr: true},
		{name: "bad weekday", runEvery: 1, unit: UnitWeeks, startFrom: "SOMEDAY", wantErr: true},
		{name: "bad day of month", runEvery: 1, unit: UnitMonths, dayOfMonth: 32, wantErr: true},
		{name: "bad unit", runEvery: 1, unit: ScheduleUnit("YEARS"), wantErr: true},
		{name: "bad time of day", runEvery: 1, unit: UnitDays, atTimeStart: "25:00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCronExpression(tt.runEvery, tt.unit, tt.startFrom, tt.dayOfMonth, tt.atTimeStart)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextRunWeekly(t *testing.T) {
	// Monday 09:30 in Prague; from a Saturday the next fire is the coming Monday
	after := time.Date(2025, time.March, 29, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("30 9 * * 1", "Europe/Prague", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}

	loc, _ := time.LoadLocation("Europe/Prague")
	want := time.Date(2025, time.March, 31, 9, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunAcrossDST(t *testing.T) {
	// Europe/Prague springs forward on 2025-03-30: 02:00 -> 03:00.
	// A daily 02:30 schedule still yields a valid local instant.
	loc, _ := time.LoadLocation("Europe/Prague")
	after := time.Date(2025, time.March, 29, 23, 0, 0, 0, loc)

	next, err := NextRun("30 2 * * *", "Europe/Prague", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.After(after) {
		t.Errorf("next %v is not after %v", next, after)
	}
	if next.In(loc).Day() != 30 && next.In(loc).Day() != 31 {
		t.Errorf("next %v not within the transition window", next)
	}
}

func TestNextRunRejectsBadInput(t *testing.T) {
	if _, err := NextRun("not a cron", "UTC", time.Now()); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := NextRun("* * * * *", "Atlantis/Nowhere", time.Now()); err == nil {
		t.Error("expected error for invalid timezone")
	}
}

func TestValidateTimezone(t *testing.T) {
	if err := ValidateTimezone("Europe/Prague"); err != nil {
		t.Errorf("valid timezone rejected: %v", err)
	}
	if err := ValidateTimezone(""); err == nil {
		t.Error("empty timezone accepted")
	}
	if err := ValidateTimezone("Not/AZone"); err == nil {
		t.Error("bogus timezone accepted")
	}
}

func TestValidateCronExpression(t *testing.T) {
	if err := ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpression("61 * * * *"); err == nil {
		t.Error("invalid minute accepted")
	}
	// Six fields (seconds) are not part of the accepted format
	if err := ValidateCronExpression("0 0 12 * * 1"); err == nil {
		t.Error("six-field expression accepted")
	}
}
