package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryops/camdash/internal/alerts"
)

func newSnapshotUnderTest(t *testing.T) *alerts.RedisSnapshot {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return alerts.NewRedisSnapshot(rdb, "", 0)
}

func TestRedisSnapshot_RoundTrip(t *testing.T) {
	snap := newSnapshotUnderTest(t)
	ctx := context.Background()

	in := []*alerts.Alert{
		{ID: "A-1", DeviceID: "cam-1", Status: alerts.StatusConfirmed,
			CreatedAt: time.Unix(1700000000, 0).UTC()},
		{ID: "A-2", DeviceID: "cam-2", Status: alerts.StatusPending},
	}
	require.NoError(t, snap.Save(ctx, in))

	out, err := snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "A-1", out[0].ID)
	assert.Equal(t, alerts.StatusConfirmed, out[0].Status)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), out[0].CreatedAt)
}

func TestRedisSnapshot_LoadMissingKeyIsNil(t *testing.T) {
	snap := newSnapshotUnderTest(t)

	out, err := snap.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRedisSnapshot_SaveOverwrites(t *testing.T) {
	snap := newSnapshotUnderTest(t)
	ctx := context.Background()

	require.NoError(t, snap.Save(ctx, []*alerts.Alert{{ID: "A-1"}}))
	require.NoError(t, snap.Save(ctx, []*alerts.Alert{{ID: "A-2"}}))

	out, err := snap.Load(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "A-2", out[0].ID)
}
