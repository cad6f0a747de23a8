package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

func TestThrottleRepository_GetAndUpsert(t *testing.T) {
	t.Parallel()
	repo := NewThrottleRepository(setupTestDB(t))
	ctx := t.Context()

	rec, err := repo.Get(ctx, "tank-1", entities.AlertTypePH)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, repo.Upsert(ctx, &entities.ThrottleRecord{
		SensorID: "tank-1", AlertType: entities.AlertTypePH,
		LastNotifiedAt: baseTime, GracePeriodSeconds: 3600,
	}))

	rec, err = repo.Get(ctx, "tank-1", entities.AlertTypePH)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, baseTime.Equal(rec.LastNotifiedAt))
	assert.Equal(t, 3600, rec.GracePeriodSeconds)

	later := baseTime.Add(2 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, &entities.ThrottleRecord{
		SensorID: "tank-1", AlertType: entities.AlertTypePH,
		LastNotifiedAt: later, GracePeriodSeconds: 600,
	}))

	rec, err = repo.Get(ctx, "tank-1", entities.AlertTypePH)
	require.NoError(t, err)
	assert.True(t, later.Equal(rec.LastNotifiedAt))
	assert.Equal(t, 600, rec.GracePeriodSeconds)

	other, err := repo.Get(ctx, "tank-1", entities.AlertTypeTemperature)
	require.NoError(t, err)
	assert.Nil(t, other, "records are keyed by sensor and alert type")
}
