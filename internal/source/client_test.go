package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/models"
)

const serverList = `{
	"zs1": {"Name": "^1Zombie ^7Survival", "Map": "obj/obj_team2", "PlayerCount": "3", "MaxPlayers": 24, "ExtraInfo": "Wave 2"},
	"empty": {"Name": "", "Map": "", "PlayerCount": 0, "MaxPlayers": 16, "ExtraInfo": null}
}`

const zs1Details = `{
	"TeamList": {"3": {"Name": "Undead"}, "4": {"Name": "Survivors"}},
	"PlayerList": [
		{"SteamID64": "76561198000000001", "SteamPlayerDetails": {"Name": "^2alice"}, "Details": {"Team": 4, "Frags": 12}},
		{"SteamID64": "76561198000000002", "SteamPlayerDetails": {"Name": "bob"}, "Details": {"Team": "3", "Frags": "4"}},
		{"SteamID64": "0", "Details": {"Team": 3, "Frags": 7, "BotInfo": {"Name": "Walker"}}},
		{"SteamID64": "76561198000000003", "SteamPlayerDetails": {"Name": ""}, "Details": {"Team": 0}}
	]
}`

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL + "/public/servers", Retries: 2}, zap.NewNop().Sugar())
	c.initialInterval = time.Millisecond
	return c
}

func feedHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/public/servers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serverList))
	})
	mux.HandleFunc("/public/servers/zs1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(zs1Details))
	})
	return mux
}

func TestListServers(t *testing.T) {
	c := newTestClient(t, feedHandler())

	servers, err := c.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)

	zs1 := servers["zs1"]
	assert.Equal(t, 3, int(zs1.PlayerCount))
	assert.Equal(t, 24, int(zs1.MaxPlayers))
	require.NotNil(t, zs1.ExtraInfo)
	assert.Equal(t, "Wave 2", *zs1.ExtraInfo)
	assert.Nil(t, servers["empty"].ExtraInfo)
}

func TestSnapshot_WithDetails(t *testing.T) {
	c := newTestClient(t, feedHandler())
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	servers, err := c.ListServers(ctx)
	require.NoError(t, err)

	snap := c.Snapshot(ctx, "zs1", servers["zs1"], 1, at)
	require.True(t, snap.HasDetails())
	assert.Equal(t, "Zombie Survival", snap.ServerName)
	assert.Equal(t, models.Some("Wave 2"), snap.WaveText)
	assert.Equal(t, at, snap.ObservedAt)
	assert.Equal(t, map[int]int{3: 2, 4: 1}, snap.TeamCounts)
	assert.Equal(t, map[int]int{3: 11, 4: 12}, snap.TeamScores)
	assert.Equal(t, "Survivors", snap.TeamNames[4])

	require.Len(t, snap.Players, 4)
	assert.Equal(t, models.SnapshotPlayer{
		PlayerKey: "76561198000000001", Name: "alice", TeamID: models.Some(4), Score: 12,
	}, snap.Players[0])
	assert.Equal(t, models.SnapshotPlayer{
		PlayerKey: "bot_Walker_3", Name: "Walker", TeamID: models.Some(3), Score: 7, IsBot: true,
	}, snap.Players[2])

	noTeam := snap.Players[3]
	assert.False(t, noTeam.TeamID.Valid)
	assert.Equal(t, unknownPlayer, noTeam.Name)
	assert.Zero(t, noTeam.Score)
}

func TestSnapshot_BelowMinPlayersSkipsDetails(t *testing.T) {
	var detailCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/public/servers/empty", func(w http.ResponseWriter, r *http.Request) {
		detailCalls.Add(1)
	})
	c := newTestClient(t, mux)

	snap := c.Snapshot(context.Background(), "empty", ServerInfo{MaxPlayers: 16}, 1, time.Now())
	assert.False(t, snap.HasDetails())
	assert.Equal(t, "empty", snap.ServerName)
	assert.Equal(t, unknownMap, snap.MapName)
	assert.False(t, snap.WaveText.Valid)
	assert.Zero(t, detailCalls.Load())
}

func TestSnapshot_DetailFailureMeansNoDetails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/public/servers/zs1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	snap := c.Snapshot(context.Background(), "zs1", ServerInfo{PlayerCount: 5, Map: "m"}, 1, time.Now())
	assert.False(t, snap.HasDetails())
	assert.Equal(t, 5, snap.PlayerCount)
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(serverList))
	}))

	servers, err := c.ListServers(context.Background())
	require.NoError(t, err)
	assert.Len(t, servers, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSON_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.ListServers(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSON_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.ServerDetails(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_MalformedBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"zs1": [`))
	}))

	_, err := c.ListServers(context.Background())
	assert.Error(t, err)
}
