package inventory

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{
		Hostname:  "pve1",
		IPAddress: "192.168.1.10",
		Facts:     models.Facts{OSFamily: "debian", CPUCores: 8},
	}, UpsertOptions{Discovered: true})
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.Equal(t, int64(1), outcome.Version)

	// Merge: non-null wins, absent fields keep their previous value.
	outcome2, err := store.Upsert(ctx, &models.Device{
		Hostname:  "pve1",
		IPAddress: "192.168.1.10",
		Facts:     models.Facts{MemoryMB: 32768},
	}, UpsertOptions{})
	require.NoError(t, err)
	assert.False(t, outcome2.Created)
	assert.Equal(t, outcome.ID, outcome2.ID)
	assert.Greater(t, outcome2.Version, outcome.Version)

	device, err := store.Get(ctx, outcome.ID)
	require.NoError(t, err)
	assert.Equal(t, "debian", device.Facts.OSFamily)
	assert.Equal(t, 8, device.Facts.CPUCores)
	assert.Equal(t, int64(32768), device.Facts.MemoryMB)
}

func TestVersionStrictlyIncreases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	last := outcome.Version
	for i := 0; i < 5; i++ {
		out, err := store.Upsert(ctx, &models.Device{
			Hostname:  "h1",
			IPAddress: "10.0.0.1",
			Facts:     models.Facts{CPUCores: i + 1},
		}, UpsertOptions{})
		require.NoError(t, err)
		assert.Greater(t, out.Version, last, "version must strictly increase")
		last = out.Version
	}
}

func TestUpsertNoChangeSkipsVersionBump(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	before, err := store.Get(ctx, outcome.ID)
	require.NoError(t, err)
	require.NotNil(t, before.LastSeenAt)

	time.Sleep(10 * time.Millisecond)
	again, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, outcome.Version, again.Version)

	// The stored doc advances with the last_seen_at column even without a
	// version bump.
	after, err := store.Get(ctx, outcome.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastSeenAt)
	assert.True(t, after.LastSeenAt.After(*before.LastSeenAt))
}

func TestConcurrentFirstUpsertsMerge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Racing first upserts of the same identity must all succeed; the
	// loser of the insert race merges into the winner's row.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Upsert(ctx, &models.Device{
				Hostname:  "racer",
				IPAddress: "10.0.0.99",
			}, UpsertOptions{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "upsert %d", i)
	}

	devices, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "racer", devices[0].Hostname)
}

func TestHistoryIsAppendOnlyAndMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	_, err = store.Upsert(ctx, &models.Device{
		Hostname: "h1", IPAddress: "10.0.0.1",
		Facts: models.Facts{OSFamily: "alpine"},
	}, UpsertOptions{Discovered: true})
	require.NoError(t, err)

	entries, err := store.History(ctx, outcome.ID, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, models.HistoryCreated, entries[0].Kind)
	assert.Equal(t, models.HistoryDiscovered, entries[1].Kind)
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i].ID, entries[i-1].ID)
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
	for _, entry := range entries {
		assert.False(t, entry.Timestamp.After(time.Now().Add(time.Second)))
	}
}

func TestResolveByHostnameAndIP(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "nas", IPAddress: "10.0.0.5"}, UpsertOptions{})
	require.NoError(t, err)

	byHost, err := store.Resolve(ctx, "nas")
	require.NoError(t, err)
	assert.Equal(t, outcome.ID, byHost.ID)

	byIP, err := store.Resolve(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, outcome.ID, byIP.ID)

	_, err = store.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceRecordLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	record := models.ServiceRecord{
		ServiceName:  "pihole",
		Method:       models.MethodDockerCompose,
		Ports:        []int{53, 80},
		ConfigDigest: "abc123",
		InstalledAt:  time.Now().UTC(),
		Health:       models.HealthHealthy,
	}
	require.NoError(t, store.RecordService(ctx, outcome.ID, record))

	device, err := store.Get(ctx, outcome.ID)
	require.NoError(t, err)
	require.Len(t, device.Services, 1)
	assert.Equal(t, "pihole", device.Services[0].ServiceName)

	require.NoError(t, store.UpdateServiceHealth(ctx, outcome.ID, "pihole", models.HealthUnhealthy))
	svc, err := store.Service(ctx, outcome.ID, "pihole")
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, svc.Health)

	require.NoError(t, store.ForgetService(ctx, outcome.ID, "pihole", "uninstalled by test"))
	_, err = store.Service(ctx, outcome.ID, "pihole")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := store.History(ctx, outcome.ID, nil)
	require.NoError(t, err)
	kinds := make([]models.HistoryKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, models.HistoryServiceInstalled)
	assert.Contains(t, kinds, models.HistoryServiceRemoved)
}

func TestStalenessNullDiscoveryIsStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "fresh", IPAddress: "10.0.0.9"}, UpsertOptions{})
	require.NoError(t, err)

	stale, err := store.IsStale(ctx, outcome.ID, time.Hour)
	require.NoError(t, err)
	assert.True(t, stale, "a device never discovered is immediately stale")

	require.NoError(t, store.MarkRefreshed(ctx, outcome.ID, true))
	stale, err = store.IsStale(ctx, outcome.ID, time.Hour)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestMarkRefreshingSingleFlight(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	ok, err := store.MarkRefreshing(ctx, outcome.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkRefreshing(ctx, outcome.ID)
	require.NoError(t, err)
	assert.False(t, ok, "at most one refresh in flight per device")

	require.NoError(t, store.MarkRefreshed(ctx, outcome.ID, false))
	ok, err = store.MarkRefreshing(ctx, outcome.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteKeepsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, outcome.ID))
	_, err = store.Get(ctx, outcome.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := store.History(ctx, outcome.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.HistoryDeleted, entries[len(entries)-1].Kind)
}

func TestExportImportRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, &models.Device{
		Hostname: "h1", IPAddress: "10.0.0.1",
		Facts: models.Facts{OSFamily: "debian"},
		Role:  models.RoleServiceHost,
	}, UpsertOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, store.Export(ctx, &buf))

	other := openTestStore(t)
	created, updated, err := other.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, updated)

	device, err := other.Resolve(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "debian", device.Facts.OSFamily)
	assert.Equal(t, models.RoleServiceHost, device.Role)
}

func TestSetRoleRecordsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, &models.Device{Hostname: "h1", IPAddress: "10.0.0.1"}, UpsertOptions{})
	require.NoError(t, err)

	excluded := true
	device, err := store.SetRole(ctx, outcome.ID, models.RoleInfrastructureHost, &excluded, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleInfrastructureHost, device.Role)
	assert.True(t, device.ExcludedFromDeployments)

	entries, err := store.History(ctx, outcome.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryRoleChanged, entries[len(entries)-1].Kind)
}
