package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is wrapped by every rejection from Parse.
var ErrInvalidCron = errors.New("invalid cron expression")

type Parser struct {
	parser cron.Parser
	clock  func() time.Time
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:  time.Now,
	}
}

// Parse validates a 5-field cron expression and binds it to timezone.
// An empty timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	// robfig accepts a TZ= prefix inside the expression; the zone is ours to choose.
	if strings.Contains(fields[0], "=") {
		return nil, fmt.Errorf("%w: timezone prefix not allowed", ErrInvalidCron)
	}

	sched, err := p.parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	s := &schedule{sched: sched, loc: loc, fields: fields}
	if s.Next(p.clock()).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expression)
	}
	return s, nil
}

// Validate reports whether expression is acceptable to Parse in UTC.
func (p *Parser) Validate(expression string) error {
	_, err := p.Parse(expression, "UTC")
	return err
}

type Schedule interface {
	// Next returns the first fire time strictly after the given instant, in UTC.
	// The zero time means the schedule never fires again.
	Next(after time.Time) time.Time
	// Expression returns the normalized 5-field expression.
	Expression() string
	String() string
}

type schedule struct {
	sched  cron.Schedule
	loc    *time.Location
	fields []string
}

func (s *schedule) Next(after time.Time) time.Time {
	next := s.sched.Next(after.In(s.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func (s *schedule) Expression() string {
	return strings.Join(s.fields, " ")
}

// String renders the schedule field by field, e.g.
// cron[month='*', day='*', day_of_week='*', hour='*', minute='*/5'].
func (s *schedule) String() string {
	return fmt.Sprintf("cron[month='%s', day='%s', day_of_week='%s', hour='%s', minute='%s']",
		s.fields[3], s.fields[2], s.fields[4], s.fields[1], s.fields[0])
}
