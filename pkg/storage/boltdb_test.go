package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Counter int               `json:"counter"`
	Items   map[string]string `json:"items"`
}

func TestLoadStateEmpty(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	var st testState
	found, err := store.LoadState("coordinator", &st)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	in := testState{Counter: 7, Items: map[string]string{"a": "1", "b": "2"}}
	require.NoError(t, store.SaveState("coordinator", &in))

	var out testState
	found, err := store.LoadState("coordinator", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestStateIsolatedPerComponent(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveState("coordinator", &testState{Counter: 1}))
	require.NoError(t, store.SaveState("healer", &testState{Counter: 2}))

	var a, b testState
	_, err = store.LoadState("coordinator", &a)
	require.NoError(t, err)
	_, err = store.LoadState("healer", &b)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Counter)
	assert.Equal(t, 2, b.Counter)
}

func TestSaveOverwrites(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveState("engine", &testState{Counter: 1}))
	require.NoError(t, store.SaveState("engine", &testState{Counter: 9}))

	var st testState
	found, err := store.LoadState("engine", &st)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 9, st.Counter)
}
