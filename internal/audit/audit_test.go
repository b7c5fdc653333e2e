package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordAndQuery(t *testing.T) {
	st := newTestStore(t)

	path := "/org/busbahnhof/Containers1/c0"
	require.NoError(t, st.Record("created", path, "com.example.App", "demo", 1000))
	require.NoError(t, st.Record("stopped_listening", path, "com.example.App", "demo", 1000))
	require.NoError(t, st.Record("removed", path, "com.example.App", "demo", 1000))

	events, err := st.EventsForPath(path)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "stopped_listening", events[1].Event)
	assert.Equal(t, "removed", events[2].Event)
	assert.Equal(t, "com.example.App", events[0].ContainerType)
	assert.Equal(t, "demo", events[0].AppName)
	assert.Equal(t, uint32(1000), events[0].CreatorUID)
	assert.False(t, events[0].At.IsZero())
}

func TestEventsForUnknownPath(t *testing.T) {
	st := newTestStore(t)

	events, err := st.EventsForPath("/org/busbahnhof/Containers1/c99")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsArePerPath(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Record("created", "/org/busbahnhof/Containers1/c0", "com.example.A", "", 1000))
	require.NoError(t, st.Record("created", "/org/busbahnhof/Containers1/c1", "com.example.B", "", 1001))

	events, err := st.EventsForPath("/org/busbahnhof/Containers1/c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "com.example.B", events[0].ContainerType)
}
