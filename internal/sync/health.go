package sync

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus is the coarse health of the retry pipeline.
type HealthStatus string

const (
	// HealthHealthy is a score of 80 or more.
	HealthHealthy HealthStatus = "healthy"
	// HealthWarning is a score from 60 to 79.
	HealthWarning HealthStatus = "warning"
	// HealthCritical is a score below 60.
	HealthCritical HealthStatus = "critical"
	// HealthDisabled means automatic retries are switched off.
	HealthDisabled HealthStatus = "disabled"
	// HealthError means the sync state could not be read.
	HealthError HealthStatus = "error"
)

const (
	exhaustedAge      = 24 * time.Hour
	recentErrorWindow = time.Hour
)

// Health is the result of [Coordinator.Health].
type Health struct {
	Status       HealthStatus `json:"status"`
	Score        int          `json:"score"`
	Pending      int          `json:"pending"`
	Exhausted    int          `json:"exhausted"`
	RecentErrors int          `json:"recentErrors"`
	Issues       []string     `json:"issues,omitempty"`
	Error        string       `json:"error,omitempty"`
	CheckedAt    time.Time    `json:"checkedAt"`
}

// Health scores the retry pipeline from the current backlog, records that
// ran out of retries more than a day ago, and failures in the last hour.
func (c *Coordinator) Health(ctx context.Context) Health {
	now := c.now()
	h := Health{CheckedAt: now}
	if !c.cfg.Enabled {
		h.Status = HealthDisabled
		return h
	}

	var err error
	if h.Pending, err = c.store.CountPending(ctx); err == nil {
		if h.Exhausted, err = c.store.CountExhausted(ctx, now.Add(-exhaustedAge)); err == nil {
			h.RecentErrors, err = c.store.CountRecentErrors(ctx, now.Add(-recentErrorWindow))
		}
	}
	if err != nil {
		c.log.Error("computing sync health", "error", err)
		h.Status = HealthError
		h.Error = err.Error()
		return h
	}

	h.Score, h.Issues = healthScore(h.Pending, h.Exhausted, h.RecentErrors)
	switch {
	case h.Score >= 80:
		h.Status = HealthHealthy
	case h.Score >= 60:
		h.Status = HealthWarning
	default:
		h.Status = HealthCritical
	}
	return h
}

func healthScore(pending, exhausted, recentErrors int) (int, []string) {
	score := 100
	var issues []string

	switch {
	case pending >= 100:
		score -= 30
	case pending >= 50:
		score -= 15
	case pending >= 20:
		score -= 5
	}
	if pending >= 20 {
		issues = append(issues, fmt.Sprintf("%d syncs waiting for retry", pending))
	}

	switch {
	case exhausted >= 50:
		score -= 25
	case exhausted >= 20:
		score -= 10
	}
	if exhausted >= 20 {
		issues = append(issues, fmt.Sprintf("%d syncs out of retries", exhausted))
	}

	switch {
	case recentErrors >= 5:
		score -= 20
	case recentErrors >= 2:
		score -= 10
	}
	if recentErrors >= 2 {
		issues = append(issues, fmt.Sprintf("%d sync failures in the last hour", recentErrors))
	}

	return score, issues
}
