package account

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/auth"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// RefreshStats are the Proactive Refresh Queue's observability counters
// (§4.E), exposed to the admin UI and persisted through a statsdb recorder.
type RefreshStats struct {
	RefreshCount  int64
	ErrorCount    int64
	LastRunAt     int64
	LastSuccessAt int64
	LastErrorAt   int64
}

// StatsRecorder persists refresh-queue counters for the admin UI to chart
// over time. internal/statsdb provides the sqlite-backed implementation.
type StatsRecorder interface {
	RecordRefresh(ctx context.Context, accountEmail string, success bool, at int64)
}

// RefreshQueue proactively refreshes access tokens before they expire so the
// request path rarely has to block on a refresh (§4.E). Serial, not
// concurrent, to avoid a refresh storm against the upstream OAuth endpoint.
type RefreshQueue struct {
	mu       sync.Mutex
	manager  *Manager
	stats    RefreshStats
	recorder StatsRecorder

	bufferSeconds     int
	checkIntervalSecs int

	stopCh  chan struct{}
	running bool
}

// NewRefreshQueue builds a queue over manager. bufferSeconds and
// checkIntervalSeconds come from the runtime config's
// proactive_token_refresh block (§6), defaulting to 1800/300 if zero.
func NewRefreshQueue(manager *Manager, recorder StatsRecorder, bufferSeconds, checkIntervalSeconds int) *RefreshQueue {
	if bufferSeconds <= 0 {
		bufferSeconds = 1800
	}
	if checkIntervalSeconds <= 0 {
		checkIntervalSeconds = 300
	}
	return &RefreshQueue{
		manager:           manager,
		recorder:          recorder,
		bufferSeconds:     bufferSeconds,
		checkIntervalSecs: checkIntervalSeconds,
	}
}

// Start launches the background loop. A second Start is a no-op (§4.E).
func (q *RefreshQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	go q.loop(ctx)
}

// Stop halts the background loop. A Stop on a non-running queue is a no-op.
func (q *RefreshQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stopCh)
	q.running = false
}

func (q *RefreshQueue) loop(ctx context.Context) {
	select {
	case <-time.After(5 * time.Second):
	case <-q.stopCh:
		return
	case <-ctx.Done():
		return
	}
	q.runOnce(ctx)

	ticker := time.NewTicker(time.Duration(q.checkIntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.runOnce(ctx)
		}
	}
}

// runOnce serially refreshes every account whose token expires within the
// buffer window, skipping accounts already expired (the request path's
// own lazy refresh handles those, §4.E).
func (q *RefreshQueue) runOnce(ctx context.Context) {
	now := utils.NowMs()
	bufferMs := int64(q.bufferSeconds) * 1000

	q.mu.Lock()
	q.stats.LastRunAt = now
	q.mu.Unlock()

	for _, acc := range q.manager.Accounts() {
		if acc.ExpiresAt == 0 || acc.ExpiresAt <= now {
			continue
		}
		if acc.ExpiresAt > now+bufferMs {
			continue
		}

		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		q.mu.Lock()
		q.stats.RefreshCount++
		q.mu.Unlock()

		if err != nil {
			q.mu.Lock()
			q.stats.ErrorCount++
			q.stats.LastErrorAt = utils.NowMs()
			q.mu.Unlock()
			utils.Warn("[RefreshQueue] failed to refresh %s: %v", acc.Email, err)
			if q.recorder != nil {
				q.recorder.RecordRefresh(ctx, acc.Email, false, utils.NowMs())
			}
			if err == auth.ErrInvalidGrant {
				q.manager.Remove(acc)
			}
			continue
		}

		q.manager.UpdateTokens(acc, result.AccessToken, result.ExpiresAt)
		q.mu.Lock()
		q.stats.LastSuccessAt = utils.NowMs()
		q.mu.Unlock()
		utils.Debug("[RefreshQueue] proactively refreshed %s", acc.Email)
		if q.recorder != nil {
			q.recorder.RecordRefresh(ctx, acc.Email, true, utils.NowMs())
		}
	}
}

// Stats returns a snapshot of the queue's observability counters.
func (q *RefreshQueue) Stats() RefreshStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
