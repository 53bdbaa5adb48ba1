// Package presence is the Presence Adapter (PA, spec.md section
// 4.5/4.13): given a Steam id, returns an idle/in-game/in-match
// snapshot, cached in CA with a short TTL.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/megafartCc/funpay-rental-bot/internal/cache"
)

const cacheTTL = 30 * time.Second
const requestTimeout = 10 * time.Second

// Snapshot is one presence read (spec.md section 4.5: "in_match").
type Snapshot struct {
	Idle     bool
	InGame   bool
	InMatch  bool
	MatchAge time.Duration
}

// Adapter fetches presence from STEAM_BRIDGE_URL, caching results in CA.
type Adapter struct {
	baseURL    string
	cache      cache.Cache
	httpClient *http.Client
}

// New builds an Adapter. baseURL empty disables presence lookups:
// callers get Snapshot{Idle: true} so match-grace logic degrades to
// "never defer" rather than erroring.
func New(baseURL string, c cache.Cache) *Adapter {
	return &Adapter{baseURL: baseURL, cache: c, httpClient: &http.Client{Timeout: requestTimeout}}
}

func cacheKey(steamID uint64) string {
	return "presence:" + strconv.FormatUint(steamID, 10)
}

// Get returns the cached snapshot if fresh, else fetches and caches
// it for cacheTTL.
func (a *Adapter) Get(ctx context.Context, steamID uint64) (Snapshot, error) {
	if a.baseURL == "" {
		return Snapshot{Idle: true}, nil
	}
	key := cacheKey(steamID)
	if raw, ok, err := a.cache.Get(ctx, key); err == nil && ok {
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err == nil {
			return snap, nil
		}
	}

	snap, err := a.fetch(ctx, steamID)
	if err != nil {
		return Snapshot{}, err
	}
	if raw, err := json.Marshal(snap); err == nil {
		_ = a.cache.Set(ctx, key, string(raw), cacheTTL)
	}
	return snap, nil
}

func (a *Adapter) fetch(ctx context.Context, steamID uint64) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/presence/%d", a.baseURL, steamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("presence: fetching %d: %w", steamID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("presence: unexpected status %d for %d", resp.StatusCode, steamID)
	}
	var payload struct {
		State          string `json:"state"`
		MatchStartUnix int64  `json:"match_start_unix"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("presence: decoding response for %d: %w", steamID, err)
	}
	snap := Snapshot{}
	switch payload.State {
	case "in_match":
		snap.InMatch = true
		if payload.MatchStartUnix > 0 {
			snap.MatchAge = time.Since(time.Unix(payload.MatchStartUnix, 0))
		}
	case "in_game":
		snap.InGame = true
	default:
		snap.Idle = true
	}
	return snap, nil
}
