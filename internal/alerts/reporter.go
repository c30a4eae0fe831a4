// Package alerts reports deaths and redemptions from active sessions as they
// happen. Each event is reported once even though every poll re-reads the
// trailing window.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
)

// EventSource returns deaths and redemptions in active sessions within the
// trailing window, newest first.
type EventSource interface {
	RecentEvents(ctx context.Context, now time.Time, window time.Duration) ([]models.TeamChangeDetail, error)
}

// Publisher receives every newly reported alert.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Alert is a reported death or redemption.
type Alert struct {
	EventID    int64             `json:"event_id"`
	SessionID  int64             `json:"session_id"`
	Kind       models.ChangeKind `json:"kind"`
	PlayerKey  string            `json:"player_id"`
	PlayerName string            `json:"player_name"`
	ServerName string            `json:"server_name"`
	MapName    string            `json:"map_name"`
	WaveText   string            `json:"wave_text"`
	Wave       int               `json:"wave_number"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Line renders the alert as a single log line.
func (a Alert) Line() string {
	verb, tag := "died", "DEATH"
	if a.Kind == models.ChangeRedemption {
		verb, tag = "redeemed", "REDEEM"
	}
	return fmt.Sprintf("%s: %s %s on %s / %s at %s (Wave %d)", tag, a.PlayerName, verb, a.ServerName, a.MapName, a.WaveText, a.Wave)
}

func alertFrom(ev models.TeamChangeDetail) Alert {
	server := ev.ServerName
	if server == "" {
		server = "Unknown Server"
	}
	return Alert{
		EventID:    ev.ID,
		SessionID:  ev.SessionID,
		Kind:       ev.Kind,
		PlayerKey:  ev.PlayerKey,
		PlayerName: ev.PlayerName,
		ServerName: server,
		MapName:    ev.MapName,
		WaveText:   ev.WaveText.OrElse("Unknown Wave"),
		Wave:       ev.Wave.OrElse(0),
		Timestamp:  ev.Timestamp,
	}
}

// Reporter polls an EventSource and emits each event once.
type Reporter struct {
	source    EventSource
	publisher Publisher
	window    time.Duration
	logger    *zap.SugaredLogger

	mu sync.Mutex
	// seen holds the most recently reported event ids. Lookups do not refresh
	// an id, so the oldest reported id is forgotten first.
	seen *lru.Cache[int64, struct{}]
}

// NewReporter creates a reporter that remembers the last memory event ids.
// publisher may be nil.
func NewReporter(source EventSource, publisher Publisher, window time.Duration, memory int, logger *zap.SugaredLogger) *Reporter {
	if window <= 0 {
		window = time.Minute
	}
	if memory <= 0 {
		memory = 512
	}
	seen, _ := lru.New[int64, struct{}](memory)
	return &Reporter{
		source:    source,
		publisher: publisher,
		window:    window,
		logger:    logger,
		seen:      seen,
	}
}

// Reset forgets every reported id.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen.Purge()
}

// markSeen records id and reports whether it was new. Callers hold r.mu.
func (r *Reporter) markSeen(id int64) bool {
	found, _ := r.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

// Report logs and publishes the events not reported before, oldest first.
func (r *Reporter) Report(ctx context.Context, now time.Time) ([]Alert, error) {
	events, err := r.source.RecentEvents(ctx, now, r.window)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []Alert
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.IsBot || !r.markSeen(ev.ID) {
			continue
		}
		a := alertFrom(ev)
		fresh = append(fresh, a)

		r.logger.Infow(a.Line(),
			"session_id", a.SessionID,
			"event_id", a.EventID,
			"player_id", a.PlayerKey,
		)
		if r.publisher == nil {
			continue
		}
		if err := r.publisher.Publish(ctx, a); err != nil {
			r.logger.Warnw("Failed to publish alert",
				"session_id", a.SessionID,
				"event_id", a.EventID,
				"op", "publish",
				"error", err,
			)
		}
	}
	return fresh, nil
}
