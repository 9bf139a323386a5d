package device

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posterrama/devicehub/internal/infrastructure/database"
	"github.com/posterrama/devicehub/migrations"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	require.NoError(t, db.Migrate(ctx, migrations.FS))
	return NewSQLiteStore(db.DB)
}

func TestSQLiteStore_DeviceCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &Device{ID: "lobby-1", Name: "  Lobby screen  ", Location: "lobby"}
	require.NoError(t, store.CreateDevice(ctx, d))
	assert.Equal(t, "Lobby screen", d.Name)
	assert.False(t, d.CreatedAt.IsZero())

	err := store.CreateDevice(ctx, &Device{ID: "lobby-1", Name: "dup"})
	assert.ErrorIs(t, err, ErrDeviceExists)

	generated := &Device{Name: "Cafe"}
	require.NoError(t, store.CreateDevice(ctx, generated))
	assert.NotEmpty(t, generated.ID)

	got, err := store.GetDevice(ctx, "lobby-1")
	require.NoError(t, err)
	assert.Equal(t, "lobby", got.Location)
	assert.False(t, got.HasSecret)

	_, err = store.GetDevice(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	all, err := store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Cafe", all[0].Name)
}

func TestSQLiteStore_CreateDeviceValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.CreateDevice(ctx, nil), ErrInvalidDevice)
	assert.ErrorIs(t, store.CreateDevice(ctx, &Device{Name: "   "}), ErrInvalidDevice)
}

func TestSQLiteStore_Secret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDevice(ctx, &Device{ID: "d1", Name: "One"}))

	hash, err := store.SecretHash(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, store.SetSecret(ctx, "d1", "$argon2id$stub"))
	hash, err = store.SecretHash(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "$argon2id$stub", hash)

	got, err := store.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, got.HasSecret)

	assert.ErrorIs(t, store.SetSecret(ctx, "nope", "x"), ErrDeviceNotFound)
	_, err = store.SecretHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSQLiteStore_Groups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := &DeviceGroup{ID: "floor-2", Name: "Floor 2", Members: []string{"c", "a", "c", "", "b"}}
	require.NoError(t, store.CreateGroup(ctx, g))
	assert.Equal(t, []string{"c", "a", "b"}, g.Members)

	assert.ErrorIs(t, store.CreateGroup(ctx, &DeviceGroup{ID: "floor-2", Name: "again"}), ErrGroupExists)
	assert.ErrorIs(t, store.CreateGroup(ctx, &DeviceGroup{Name: ""}), ErrInvalidGroup)

	got, err := store.GetGroup(ctx, "floor-2")
	require.NoError(t, err)
	assert.Equal(t, "Floor 2", got.Name)
	assert.Equal(t, []string{"c", "a", "b"}, got.Members)

	require.NoError(t, store.SetGroupMembers(ctx, "floor-2", []string{"z", "y"}))
	got, err = store.GetGroup(ctx, "floor-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "y"}, got.Members)

	assert.ErrorIs(t, store.SetGroupMembers(ctx, "missing", []string{"a"}), ErrGroupNotFound)
	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, ErrGroupNotFound)

	require.NoError(t, store.CreateGroup(ctx, &DeviceGroup{ID: "empty", Name: "Atrium"}))
	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Atrium", groups[0].Name)
	assert.Empty(t, groups[0].Members)
	assert.Equal(t, []string{"z", "y"}, groups[1].Members)
}

func TestSQLiteStore_OfflineQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.QueueCommand(ctx, "d1", QueuedCommand{Type: "reload"}))
	require.NoError(t, store.QueueCommand(ctx, "d1", QueuedCommand{
		Type:    "show",
		Payload: json.RawMessage(`{"slide":3}`),
	}))
	require.NoError(t, store.QueueCommand(ctx, "d2", QueuedCommand{Type: "reload"}))

	assert.ErrorIs(t, store.QueueCommand(ctx, "d1", QueuedCommand{}), ErrInvalidCommand)

	n, err := store.QueueLength(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cmds, err := store.DrainQueue(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "reload", cmds[0].Type)
	assert.Nil(t, cmds[0].Payload)
	assert.Equal(t, "show", cmds[1].Type)
	assert.JSONEq(t, `{"slide":3}`, string(cmds[1].Payload))
	assert.NotEmpty(t, cmds[0].ID)
	assert.WithinDuration(t, time.Now(), cmds[0].CreatedAt, time.Minute)

	again, err := store.DrainQueue(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err = store.QueueLength(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
