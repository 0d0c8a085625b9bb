package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	in := payload{Name: "state", Count: 7, Tags: []string{"a", "b"}}
	require.NoError(t, store.SaveJSON("k1", in))

	var out payload
	found, err := store.LoadJSON("k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestLoadMissingKey(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	var out payload
	found, err := store.LoadJSON("missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveOverwrites(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveJSON("k", payload{Count: 1}))
	require.NoError(t, store.SaveJSON("k", payload{Count: 2}))

	var out payload
	found, err := store.LoadJSON("k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, out.Count)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}
