package credentials

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetAndClearAccessToken(t *testing.T) {
	durable := NewMemoryDurable()
	store := NewStore(durable)

	assert.Equal(t, "", store.AccessToken())

	require.NoError(t, store.SetAccessToken("tok-1"))
	assert.Equal(t, "tok-1", store.AccessToken())
	stored, _ := durable.Get(AccessTokenKey)
	assert.Equal(t, "tok-1", stored)

	require.NoError(t, store.SetAccessToken(""))
	assert.Equal(t, "", store.AccessToken())
	stored, _ = durable.Get(AccessTokenKey)
	assert.Equal(t, "", stored)
}

func TestStoreFallsBackToDurable(t *testing.T) {
	durable := NewMemoryDurable()
	require.NoError(t, durable.Put(AccessTokenKey, "from-disk"))
	require.NoError(t, durable.Put(RefreshTokenKey, "refresh-from-disk"))

	store := NewStore(durable)
	assert.Equal(t, "from-disk", store.AccessToken())
	assert.Equal(t, "refresh-from-disk", store.RefreshToken())
}

func TestStoreClear(t *testing.T) {
	durable := NewMemoryDurable()
	store := NewStore(durable)
	require.NoError(t, store.SetAccessToken("a"))
	require.NoError(t, store.SetRefreshToken("r"))

	require.NoError(t, store.Clear())

	assert.Equal(t, "", store.AccessToken())
	assert.Equal(t, "", store.RefreshToken())
	v, _ := durable.Get(RefreshTokenKey)
	assert.Equal(t, "", v)
}

type failingDurable struct{ *MemoryDurable }

func (f *failingDurable) Put(string, string) error { return errors.New("disk full") }

func TestStoreKeepsMemoryValueWhenDurableWriteFails(t *testing.T) {
	store := NewStore(&failingDurable{MemoryDurable: NewMemoryDurable()})

	err := store.SetAccessToken("tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "tok", store.AccessToken())
}

type lockedDurable struct{ *MemoryDurable }

func (l *lockedDurable) Delete(string) error { return errors.New("database is locked") }

func TestClearedTokenStaysClearedWhenDurableEraseFails(t *testing.T) {
	durable := &lockedDurable{MemoryDurable: NewMemoryDurable()}
	store := NewStore(durable)
	require.NoError(t, store.SetAccessToken("old-token"))
	require.NoError(t, store.SetRefreshToken("old-refresh"))

	err := store.Clear()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, "", store.AccessToken())
	assert.Equal(t, "", store.RefreshToken())

	// the durable copy survived, but memory wins for this process
	stored, _ := durable.Get(AccessTokenKey)
	assert.Equal(t, "old-token", stored)

	require.NoError(t, store.SetAccessToken("new-token"))
	require.Error(t, store.SetAccessToken(""))
	assert.Equal(t, "", store.AccessToken())
}

func TestSQLiteDurableSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	d, err := OpenSQLite(path)
	require.NoError(t, err)
	store := NewStore(d)
	require.NoError(t, store.SetAccessToken("persisted"))
	require.NoError(t, store.SetAccessToken("persisted-2"))
	require.NoError(t, d.Close())

	d, err = OpenSQLite(path)
	require.NoError(t, err)
	defer d.Close()

	reopened := NewStore(d)
	assert.Equal(t, "persisted-2", reopened.AccessToken())

	require.NoError(t, reopened.Clear())
	v, err := d.Get(AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}
