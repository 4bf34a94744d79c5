package app

import (
	"context"
	"time"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
	"github.com/FutureMindsLab/bookflows/pkg/store"
)

const defaultDailyMessageLimit = 100

// QuotaTracker counts successful replies per user per UTC day.
type QuotaTracker struct {
	store store.Store
	limit int
	now   func() time.Time
}

// NewQuotaTracker builds a tracker. A non-positive limit means the default of 100.
func NewQuotaTracker(s store.Store, limit int, now func() time.Time) *QuotaTracker {
	if limit <= 0 {
		limit = defaultDailyMessageLimit
	}
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{store: s, limit: limit, now: now}
}

// Today returns the current UTC calendar day at midnight.
func (q *QuotaTracker) Today() time.Time {
	y, m, d := q.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (q *QuotaTracker) Limit() int {
	return q.limit
}

// GetCount returns the persisted count for the day, or 0 when nothing was sent.
func (q *QuotaTracker) GetCount(ctx context.Context, userID string, day time.Time) (int, error) {
	count, _, err := q.store.GetDailyCount(ctx, userID, day)
	if err != nil {
		return 0, persistence("get daily count", err)
	}
	return count, nil
}

// Increment atomically adds one to the day's count and returns the new value.
func (q *QuotaTracker) Increment(ctx context.Context, userID string, day time.Time) (int, error) {
	count, err := q.store.IncrementDailyCount(ctx, userID, day)
	if err != nil {
		return 0, persistence("increment daily count", err)
	}
	return count, nil
}

func (q *QuotaTracker) IsLimitReached(count int) bool {
	return count >= q.limit
}

// Usage reports today's count against the limit.
func (q *QuotaTracker) Usage(ctx context.Context, userID string) (domain.DailyUsage, error) {
	day := q.Today()
	count, err := q.GetCount(ctx, userID, day)
	if err != nil {
		return domain.DailyUsage{}, err
	}
	remaining := q.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return domain.DailyUsage{
		Date:         day.Format(time.DateOnly),
		Count:        count,
		Limit:        q.limit,
		Remaining:    remaining,
		LimitReached: q.IsLimitReached(count),
	}, nil
}
