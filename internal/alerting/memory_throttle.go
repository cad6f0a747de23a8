package alerting

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// MemoryThrottleStore keeps throttle records in process memory. Records
// expire when their grace period ends, since they no longer suppress
// anything. State is lost on restart.
type MemoryThrottleStore struct {
	cache *cache.Cache
}

// NewMemoryThrottleStore creates a store purging expired records every
// cleanupInterval.
func NewMemoryThrottleStore(cleanupInterval time.Duration) *MemoryThrottleStore {
	return &MemoryThrottleStore{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryThrottleStore) Get(_ context.Context, sensorID string, alertType entities.AlertType) (*entities.ThrottleRecord, error) {
	v, ok := s.cache.Get(entities.AlertKey(sensorID, alertType))
	if !ok {
		return nil, nil
	}
	rec := v.(entities.ThrottleRecord)
	return &rec, nil
}

func (s *MemoryThrottleStore) Upsert(_ context.Context, record *entities.ThrottleRecord) error {
	ttl := time.Duration(record.GracePeriodSeconds) * time.Second
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.cache.Set(entities.AlertKey(record.SensorID, record.AlertType), *record, ttl)
	return nil
}
