package catalogcache

import (
	"testing"
	"time"

	"github.com/cuemby/bbp/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(Entry{ID: 1, Logical: "t1", Type: "int", Count: 4}))

	got, ok, err := c.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.Logical)
	assert.Equal(t, int64(4), got.Count)

	require.NoError(t, c.Delete(1))
	_, ok, err = c.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestByNameAndList(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(Entry{ID: 1, Logical: "a"}))
	require.NoError(t, c.Put(Entry{ID: 2, Logical: "b"}))

	entry, ok, err := c.ByName("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), entry.ID)

	all, err := c.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWatchAppliesRenameAndDestroy(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(Entry{ID: 5, Logical: "old"}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	watcher := Watch(c, broker)
	defer watcher.Stop()

	broker.Publish(&events.Event{
		Type:     events.EventBATRenamed,
		Metadata: map[string]string{"bat_id": "5", "new_name": "new"},
	})

	require.Eventually(t, func() bool {
		e, ok, _ := c.Get(5)
		return ok && e.Logical == "new"
	}, time.Second, 10*time.Millisecond)

	broker.Publish(&events.Event{
		Type:     events.EventBATDestroyed,
		Metadata: map[string]string{"bat_id": "5"},
	})

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(5)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
