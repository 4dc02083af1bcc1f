// Package pipeline runs background maintenance jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Archiver periodically moves terminal positions and finished alerts older
// than the retention period into cold storage.
type Archiver struct {
	blob      domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	trigger   chan struct{}
}

// NewArchiver creates an Archiver keeping retentionDays of history in the
// database.
func NewArchiver(blob domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Archiver{
		blob:      blob,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an out-of-schedule run from RunEvery or RunCron. It
// reports false when a run is already queued.
func (a *Archiver) Trigger() bool {
	select {
	case a.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes one archive pass. Both record kinds are attempted even when
// the first fails.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.Info("archive run starting", slog.Time("cutoff", cutoff))

	positions, perr := a.blob.ArchivePositions(ctx, cutoff)
	if perr != nil {
		perr = fmt.Errorf("pipeline: archive positions: %w", perr)
	}
	alerts, aerr := a.blob.ArchiveAlerts(ctx, cutoff)
	if aerr != nil {
		aerr = fmt.Errorf("pipeline: archive alerts: %w", aerr)
	}

	a.logger.Info("archive run complete",
		slog.Int64("positions", positions),
		slog.Int64("alerts", alerts),
	)
	return errors.Join(perr, aerr)
}

// RunEvery runs the archiver every interval until ctx is done.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runLogged(ctx)
		case <-a.trigger:
			a.runLogged(ctx)
		}
	}
}

// RunCron runs the archiver on a five-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is done.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			a.runLogged(ctx)
		case <-a.trigger:
			timer.Stop()
			a.runLogged(ctx)
		}
	}
}

func (a *Archiver) runLogged(ctx context.Context) {
	if err := a.Run(ctx); err != nil {
		a.logger.Error("archive run failed", slog.String("error", err.Error()))
	}
}

// cronField matches a set of values; nil means any.
type cronField []int

func (f cronField) matches(v int) bool {
	if f == nil {
		return true
	}
	for _, x := range f {
		if x == v {
			return true
		}
	}
	return false
}

func parseCronField(s string, lo, hi int) (cronField, error) {
	if s == "*" {
		return nil, nil
	}
	var out cronField
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		if v < lo || v > hi {
			return nil, fmt.Errorf("value %d outside %d-%d", v, lo, hi)
		}
		out = append(out, v)
	}
	return out, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = cf
	}
	return cronSchedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// next returns the first minute strictly after t that matches, searching up
// to a year ahead.
func (c cronSchedule) next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no matching time within a year")
}
