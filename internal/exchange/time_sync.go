package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TimeSync tracks the offset between local and venue server time, resynced
// periodically against the public Time endpoint. Used to detect clock
// drift before it trips the venue's nonce/timestamp validation.
type TimeSync struct {
	mu           sync.RWMutex
	offset       int64
	lastSync     time.Time
	syncInterval time.Duration
	baseURL      string
	httpClient   *http.Client
}

// NewTimeSync constructs a TimeSync against the venue's public REST base URL.
func NewTimeSync(baseURL string) *TimeSync {
	return &TimeSync{
		syncInterval: 30 * time.Minute,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Sync fetches the venue's current server time and records the offset.
func (ts *TimeSync) Sync() error {
	resp, err := ts.httpClient.Get(ts.baseURL + "/0/public/Time")
	if err != nil {
		return fmt.Errorf("fetch server time: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Result struct {
			Unixtime int64 `json:"unixtime"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parse server time: %w", err)
	}

	localTime := time.Now().Unix()
	offset := (result.Result.Unixtime - localTime) * 1000

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	return nil
}

// Offset returns the current clock offset in milliseconds, triggering a
// background resync if the interval has elapsed.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	offset := ts.offset
	lastSync := ts.lastSync
	ts.mu.RUnlock()

	if lastSync.IsZero() || time.Since(lastSync) > ts.syncInterval {
		go ts.Sync()
	}
	return offset
}
