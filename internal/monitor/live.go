package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmohaa/session-tracker/internal/models"
)

const (
	liveServersKey = "live_servers"
	liveSeenKey    = "live_servers:last_seen"
)

// RedisClient is the subset of *redis.Client used for live status.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// LiveStatus publishes each server's latest state to a Redis hash so
// dashboards can read it without touching the record store.
type LiveStatus struct {
	client RedisClient
}

func NewLiveStatus(client RedisClient) *LiveStatus {
	return &LiveStatus{client: client}
}

// Publish records the snapshot under the server code.
func (l *LiveStatus) Publish(ctx context.Context, snap models.Snapshot, sessionID int64) error {
	// Format: "players:%d/%d,map:%s,wave:%s,session:%d"
	status := fmt.Sprintf("players:%d/%d,map:%s,wave:%s,session:%d",
		snap.PlayerCount, snap.MaxPlayers, snap.MapName, snap.WaveText.OrElse(""), sessionID)

	if err := l.client.HSet(ctx, liveServersKey, snap.ServerCode, status).Err(); err != nil {
		return err
	}
	return l.client.HSet(ctx, liveSeenKey, snap.ServerCode, snap.ObservedAt.Unix()).Err()
}

// Servers returns the live status of every server seen within maxAge.
func (l *LiveStatus) Servers(ctx context.Context, now time.Time, maxAge time.Duration) (map[string]string, error) {
	statuses, err := l.client.HGetAll(ctx, liveServersKey).Result()
	if err != nil {
		return nil, err
	}
	seen, err := l.client.HGetAll(ctx, liveSeenKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(statuses))
	for code, status := range statuses {
		var ts int64
		if _, err := fmt.Sscan(seen[code], &ts); err != nil {
			continue
		}
		if now.Sub(time.Unix(ts, 0)) > maxAge {
			continue
		}
		out[code] = status
	}
	return out, nil
}
