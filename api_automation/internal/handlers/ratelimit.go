package handlers

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quickrevert/api_automation/internal/webhook"
)

type accountBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AccountLimiter meters events per platform account. Every delivery comes from
// the platform's shared egress, so callers are told apart by the account ids
// inside a verified delivery, not by address.
type AccountLimiter struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration
	accounts map[string]*accountBudget
	now      func() time.Time
}

// NewAccountLimiter allows perMinute events per account, with a burst of the
// same size. Budgets unused for idle are dropped.
func NewAccountLimiter(perMinute int, idle time.Duration) *AccountLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &AccountLimiter{
		rate:     rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:    perMinute,
		idle:     idle,
		accounts: make(map[string]*accountBudget),
		now:      time.Now,
	}
}

// Admit charges every account in counts for its events, or charges none of
// them. When some account is over budget it returns that account and how long
// until its events fit.
func (l *AccountLimiter) Admit(counts map[string]int) (account string, retryAfter time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	for id, b := range l.accounts {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.accounts, id)
		}
	}

	reservations := make([]*rate.Reservation, 0, len(counts))
	cancel := func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}
	for id, n := range counts {
		b, found := l.accounts[id]
		if !found {
			b = &accountBudget{limiter: rate.NewLimiter(l.rate, l.burst)}
			l.accounts[id] = b
		}
		b.lastSeen = now

		r := b.limiter.ReserveN(now, n)
		if !r.OK() {
			cancel()
			return id, time.Minute, false
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			cancel()
			return id, delay, false
		}
		reservations = append(reservations, r)
	}
	return "", 0, true
}

func eventCounts(events []webhook.Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		id := ev.AccountID
		if id == "" {
			id = "unknown"
		}
		counts[id]++
	}
	return counts
}
