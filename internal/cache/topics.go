package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/dalybms/internal/telemetry"
)

// Topic cache key prefixes (§6).
const (
	keyLatestRealtime = "latest:realtime"
	keyLatestStatus   = "latest:status"
)

// TopicCache layers the record/status JSON contract on top of Cache.
type TopicCache struct {
	cache *Cache
}

// NewTopicCache wraps c with telemetry-aware Set/Get helpers.
func NewTopicCache(c *Cache) *TopicCache {
	return &TopicCache{cache: c}
}

// PutRealtime stores rec as the latest realtime snapshot and as a
// time-indexed history entry.
func (t *TopicCache) PutRealtime(rec telemetry.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal record: %w", err)
	}
	t.cache.Set(keyLatestRealtime, data, LatestTTL)
	t.cache.Set(historyKey(rec.Timestamp), data, HistoryTTL)
	return nil
}

// PutStatus stores rec as the latest status snapshot.
func (t *TopicCache) PutStatus(rec telemetry.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal status: %w", err)
	}
	t.cache.Set(keyLatestStatus, data, LatestTTL)
	return nil
}

// LatestRealtime returns the cached realtime record, if present and unexpired.
func (t *TopicCache) LatestRealtime() (telemetry.Record, bool) {
	data, ok := t.cache.Get(keyLatestRealtime)
	if !ok {
		return telemetry.Record{}, false
	}
	var rec telemetry.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return telemetry.Record{}, false
	}
	return rec, true
}

// LatestStatus returns the cached status record, if present and unexpired.
func (t *TopicCache) LatestStatus() (telemetry.StatusRecord, bool) {
	data, ok := t.cache.Get(keyLatestStatus)
	if !ok {
		return telemetry.StatusRecord{}, false
	}
	var rec telemetry.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return telemetry.StatusRecord{}, false
	}
	return rec, true
}

func historyKey(ts time.Time) string {
	return "history:" + ts.UTC().Format(time.RFC3339Nano)
}
