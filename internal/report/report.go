// Package report aggregates the archive into the rolling seven-day revenue view.
package report

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ardoise/internal/cache"
	"ardoise/internal/domain"
	"ardoise/internal/logger"
	"ardoise/internal/metrics"
)

const Days = 7

type ArchiveReader interface {
	ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error)
	ArchiveHead(ctx context.Context) (domain.ArchiveHead, error)
}

type Engine struct {
	cache    cache.ReportCache
	cacheTTL time.Duration
	loc      *time.Location
	metrics  *metrics.Engine
	log      *logger.Logger
}

type Options struct {
	Cache    cache.ReportCache
	CacheTTL time.Duration
	Location *time.Location
	Metrics  *metrics.Engine
	Logger   *logger.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.Cache == nil {
		opts.Cache = cache.NoopReportCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Engine{
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		loc:      opts.Location,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// Weekly returns one DailyStat per calendar day for the seven days ending on now's day,
// oldest first. Only SALE transactions count. Results are cached per archive head, so a
// new settlement produces a new key. GeneratedAt is always the time of this call.
func (e *Engine) Weekly(ctx context.Context, archive ArchiveReader, now time.Time) (domain.WeeklyStats, error) {
	head, err := archive.ArchiveHead(ctx)
	if err != nil {
		return domain.WeeklyStats{}, fmt.Errorf("archive head: %w", err)
	}

	today := StartOfDay(now, e.loc)
	key := cacheKey(head, today)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		e.metrics.ObserveReportCache(true)
		return e.fromCache(*cached, now), nil
	} else if err != nil {
		e.log.Warn(ctx, "report cache read failed", err)
	}
	e.metrics.ObserveReportCache(false)

	first := today.AddDate(0, 0, -(Days - 1))
	txs, err := archive.ListTransactionsBetween(ctx, first, EndOfDay(today, e.loc))
	if err != nil {
		return domain.WeeklyStats{}, fmt.Errorf("list transactions: %w", err)
	}

	stats := Aggregate(txs, first, e.loc)
	stats.GeneratedAt = now.UTC()

	if err := e.cache.Set(ctx, key, &stats, e.cacheTTL); err != nil {
		e.log.Warn(ctx, "report cache write failed", err)
	}
	return stats, nil
}

// fromCache restores what a cache round trip loses: day boundaries come back in
// the engine's location and the report carries the current time.
func (e *Engine) fromCache(cached domain.WeeklyStats, now time.Time) domain.WeeklyStats {
	days := make([]domain.DailyStat, len(cached.Days))
	for i, day := range cached.Days {
		day.Date = day.Date.In(e.loc)
		days[i] = day
	}
	return domain.WeeklyStats{GeneratedAt: now.UTC(), Days: days}
}

// Aggregate buckets SALE transactions into Days calendar days starting at first.
// Transactions outside the window are ignored.
func Aggregate(txs []domain.Transaction, first time.Time, loc *time.Location) domain.WeeklyStats {
	days := make([]domain.DailyStat, Days)
	index := make(map[string]int, Days)
	for i := range days {
		day := first.AddDate(0, 0, i)
		days[i] = domain.DailyStat{Date: day, Revenue: decimal.Zero, Profit: decimal.Zero}
		index[day.Format(time.DateOnly)] = i
	}

	for _, tx := range txs {
		if tx.Kind != domain.KindSale {
			continue
		}
		i, ok := index[tx.Timestamp.In(loc).Format(time.DateOnly)]
		if !ok {
			continue
		}
		days[i].Revenue = days[i].Revenue.Add(tx.TotalSale)
		days[i].Profit = days[i].Profit.Add(tx.Profit())
	}
	return domain.WeeklyStats{Days: days}
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay is the last millisecond of t's calendar day, the finest instant the
// stores keep.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Millisecond)
}

// DayRange widens [from, to] to whole calendar days in loc. A reversed range is
// swapped.
func DayRange(from time.Time, to time.Time, loc *time.Location) (time.Time, time.Time) {
	if to.Before(from) {
		from, to = to, from
	}
	return StartOfDay(from, loc), EndOfDay(to, loc)
}

func cacheKey(head domain.ArchiveHead, today time.Time) string {
	raw := fmt.Sprintf("%s|%s|%d|%d|%s",
		today.Format(time.DateOnly), today.Location().String(), head.Count, head.LastSequence, head.LastID)
	hash := sha1.Sum([]byte(raw))
	return "ardoise:report:weekly:" + hex.EncodeToString(hash[:])
}
