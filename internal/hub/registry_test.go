package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubConn(id uint64, deviceID string) *Conn {
	c := &Conn{id: id, done: make(chan struct{})}
	c.open.Store(true)
	if deviceID != "" {
		c.deviceID.Store(&deviceID)
	}
	return c
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	first := stubConn(1, "d1")
	second := stubConn(2, "d1")

	assert.Nil(t, r.Register("d1", first))
	assert.Same(t, first, r.Register("d1", second))
	assert.Nil(t, r.Register("d1", second), "re-registering the same conn displaces nothing")
	assert.Same(t, second, r.Get("d1"))
	assert.Equal(t, 1, r.Count())

	assert.False(t, r.Unregister(first), "stale connection must not remove the live one")
	assert.True(t, r.IsConnected("d1"))

	assert.True(t, r.Unregister(second))
	assert.False(t, r.IsConnected("d1"))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ClosedConnReadsDisconnected(t *testing.T) {
	r := NewRegistry()
	c := stubConn(1, "d1")
	r.Register("d1", c)

	c.open.Store(false)
	assert.False(t, r.IsConnected("d1"))
	assert.Nil(t, r.Get("d1"))
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 1, r.Count(), "entry stays until teardown unregisters it")
}

func TestRegistry_DeviceIDsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("c", stubConn(1, "c"))
	r.Register("a", stubConn(2, "a"))
	r.Register("b", stubConn(3, "b"))

	assert.Equal(t, []string{"a", "b", "c"}, r.DeviceIDs())
	assert.False(t, r.Unregister(stubConn(4, "")), "unauthenticated conn is never on record")
}
