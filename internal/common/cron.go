package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleUnit is the interval unit of a structured schedule form.
type ScheduleUnit string

const (
	UnitMinutes ScheduleUnit = "MINUTES"
	UnitHours   ScheduleUnit = "HOURS"
	UnitDays    ScheduleUnit = "DAYS"
	UnitWeeks   ScheduleUnit = "WEEKS"
	UnitMonths  ScheduleUnit = "MONTHS"
)

// weekdayIndex maps weekday names to standard cron day-of-week indices.
var weekdayIndex = map[string]int{
	"SUNDAY":    0,
	"MONDAY":    1,
	"TUESDAY":   2,
	"WEDNESDAY": 3,
	"THURSDAY":  4,
	"FRIDAY":    5,
	"SATURDAY":  6,
}

// cronParser accepts the standard 5-field minute/hour/dom/month/dow format.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronParser returns the shared 5-field parser so all cron consumers accept
// the same expression format.
func CronParser() cron.Parser {
	return cronParser
}

// BuildCronExpression constructs a standard 5-field cron expression from the
// structured schedule form submitted by the UI.
//
//	MINUTES -> */N * * * *
//	HOURS   -> M */N * * *
//	DAYS    -> M H */N * *
//	WEEKS   -> M H * * dayIndex
//	MONTHS  -> M H D */N *  (plus dayIndex when startFrom != SUNDAY)
func BuildCronExpression(runEvery int, unit ScheduleUnit, startFrom string, dayOfMonth int, atTimeStart string) (string, error) {
	if runEvery < 1 {
		return "", fmt.Errorf("runEvery must be at least 1, got %d", runEvery)
	}

	hour, minute, err := parseTimeOfDay(atTimeStart)
	if err != nil {
		return "", err
	}

	switch unit {
	case UnitMinutes:
		return fmt.Sprintf("*/%d * * * *", runEvery), nil
	case UnitHours:
		return fmt.Sprintf("%d */%d * * *", minute, runEvery), nil
	case UnitDays:
		return fmt.Sprintf("%d %d */%d * *", minute, hour, runEvery), nil
	case UnitWeeks:
		day, ok := weekdayIndex[strings.ToUpper(startFrom)]
		if !ok {
			return "", fmt.Errorf("invalid weekday: %s", startFrom)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, day), nil
	case UnitMonths:
		if dayOfMonth < 1 || dayOfMonth > 31 {
			return "", fmt.Errorf("invalid day of month: %d", dayOfMonth)
		}
		expr := fmt.Sprintf("%d %d %d */%d *", minute, hour, dayOfMonth, runEvery)
		if day, ok := weekdayIndex[strings.ToUpper(startFrom)]; ok && day != 0 {
			expr = fmt.Sprintf("%d %d %d */%d %d", minute, hour, dayOfMonth, runEvery, day)
		}
		return expr, nil
	default:
		return "", fmt.Errorf("invalid schedule unit: %s", unit)
	}
}

// parseTimeOfDay parses an "HH:MM" clock time. Empty input means midnight.
func parseTimeOfDay(value string) (hour, minute int, err error) {
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day: %s", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in time of day: %s", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in time of day: %s", value)
	}
	return hour, minute, nil
}

// ValidateCronExpression checks a 5-field cron expression.
func ValidateCronExpression(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ValidateTimezone checks an IANA timezone name.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// NextRun computes the next occurrence of a cron expression after the given
// instant, evaluated in the named IANA timezone. DST transitions follow the
// cron library's timezone-aware evaluation.
func NextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return schedule.Next(after.In(loc)), nil
}
