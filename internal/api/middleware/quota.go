package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/cache"
)

const (
	defaultSubmitsPerMinute = 30
	quotaWindow             = time.Minute
)

// SubmitQuota caps execution submissions per partition in fixed one-minute windows,
// counted in Redis so every server instance shares the budget.
type SubmitQuota struct {
	cache     cache.Cache
	perMinute int
	now       func() time.Time
}

// NewSubmitQuota creates the SubmitQuota middleware.
func NewSubmitQuota(c cache.Cache, perMinute int) *SubmitQuota {
	if perMinute <= 0 {
		perMinute = defaultSubmitsPerMinute
	}
	return &SubmitQuota{cache: c, perMinute: perMinute, now: time.Now}
}

// Limit applies the quota using the partition set by the Identity middleware.
func (q *SubmitQuota) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc, ok := GetPartition(r)
		if !ok {
			// Identity middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		now := q.now()
		window := now.Unix() / int64(quotaWindow.Seconds())
		resetAt := time.Unix((window+1)*int64(quotaWindow.Seconds()), 0)

		count, err := q.cache.IncrWithExpiry(r.Context(), cache.SubmitQuotaKey(loc, window), quotaWindow)
		if err != nil {
			// On Redis error, allow the request (fail open)
			slog.Warn("submit quota unavailable", "partition", loc.String(), "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := q.perMinute - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(q.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if count > int64(q.perMinute) {
			retry := int(resetAt.Sub(now).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			response.Error(w, http.StatusTooManyRequests,
				"SUBMISSION_QUOTA_EXCEEDED", "Too many execution submissions", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
