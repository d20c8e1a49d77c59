// Package schedule evaluates the cron expressions of repositories.
//
// Expressions have five fields (minute hour day-of-month month day-of-week) or
// six fields where the sixth one holds the seconds. Any field may be the token
// R, which is replaced by a random value of that field for every evaluation so
// that repositories sharing a default schedule do not all start at once.
// Descriptors such as @daily are accepted as well.
package schedule

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raldone01/borgback/internal/models"
)

// RandomToken marks a field whose value is picked at random.
const RandomToken = "R"

// fieldRange is the inclusive range a random field value is drawn from.
type fieldRange struct {
	min, max int
}

// Ranges in the order minute, hour, dom, month, dow, second. Day-of-month stops
// at 28 so that a random day exists in every month.
var fieldRanges = []fieldRange{
	{0, 59},
	{0, 23},
	{1, 28},
	{1, 12},
	{0, 6},
	{0, 59},
}

// Evaluator computes due times. The zero value is not usable, use New.
type Evaluator struct {
	parser cron.Parser
	intn   func(n int) int
}

// New creates an Evaluator drawing random fields from math/rand.
func New() *Evaluator {
	return NewWithRand(rand.Intn)
}

// NewWithRand creates an Evaluator with a custom random source (for testing).
// intn must return a value in [0, n).
func NewWithRand(intn func(n int) int) *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		intn: intn,
	}
}

// Next returns the first due time strictly after after.
func (e *Evaluator) Next(expression string, after time.Time) (time.Time, error) {
	sched, err := e.parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expression)
	}
	return next, nil
}

// Validate checks the syntax of expression. Unscheduled is always valid.
func (e *Evaluator) Validate(expression string) error {
	if expression == models.Unscheduled {
		return nil
	}
	_, err := e.Next(expression, time.Now())
	return err
}

func (e *Evaluator) parse(expression string) (cron.Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if expression == models.Unscheduled {
		return nil, fmt.Errorf("repository is unscheduled")
	}
	if strings.HasPrefix(expression, "@") {
		sched, err := e.parser.Parse(expression)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
		}
		return sched, nil
	}

	fields := strings.Fields(expression)
	switch len(fields) {
	case 5:
		fields = append(fields, "0")
	case 6:
	default:
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 or 6 fields, got %d", expression, len(fields))
	}

	for i, f := range fields {
		if strings.EqualFold(f, RandomToken) {
			r := fieldRanges[i]
			fields[i] = strconv.Itoa(r.min + e.intn(r.max-r.min+1))
		}
	}

	// robfig/cron expects the seconds first.
	spec := strings.Join(append([]string{fields[5]}, fields[:5]...), " ")
	sched, err := e.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return sched, nil
}
