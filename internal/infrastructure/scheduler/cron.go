package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// CronSchedule runs a job on a cron expression, evaluated in Location.
// Standard 5-field expressions and the @daily style macros are accepted.
// Examples:
//   - "5 0 * * *"   - every day at 00:05
//   - "*/10 * * * *" - every 10 minutes
type CronSchedule struct {
	Expr     string
	Location *time.Location
	logger   *slog.Logger
}

// ParseCron validates expr and returns its schedule.
func ParseCron(expr string, loc *time.Location) (*CronSchedule, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CronSchedule{Expr: expr, Location: loc, logger: slog.Default()}, nil
}

// MustParseCron is ParseCron that panics on error.
func MustParseCron(expr string, loc *time.Location) *CronSchedule {
	s, err := ParseCron(expr, loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the first tick strictly after t. It returns the zero time,
// which the scheduler treats as never, if no tick can be found.
func (s *CronSchedule) Next(t time.Time) time.Time {
	next, err := gronx.NextTickAfter(s.Expr, t.In(s.Location), false)
	if err != nil {
		s.logger.Error("cron next tick failed", slog.String("cron", s.Expr), slog.String("error", err.Error()))
		return time.Time{}
	}
	return next
}

// String returns the cron expression.
func (s *CronSchedule) String() string {
	return s.Expr
}
