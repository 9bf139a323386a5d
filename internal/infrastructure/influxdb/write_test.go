package influxdb

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"

	"github.com/posterrama/devicehub/internal/infrastructure/config"
)

var pointTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lineOf(p *write.Point, precision time.Duration) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, precision))
}

func TestConnectivityPoint(t *testing.T) {
	line := lineOf(ConnectivityPoint("lobby-1", true, pointTime), time.Nanosecond)
	assert.Equal(t, "device_connectivity,device_id=lobby-1 connected=1i 1772366400000000000", line)

	line = lineOf(ConnectivityPoint("lobby-1", false, pointTime), time.Second)
	assert.Equal(t, "device_connectivity,device_id=lobby-1 connected=0i 1772366400", line)
}

func TestGroupSendPoint(t *testing.T) {
	line := lineOf(GroupSendPoint("floor-2", "reload", 3, 1, 1, 1, pointTime), time.Second)
	assert.Equal(t,
		"group_send,group_id=floor-2,type=reload failed=1i,live=1i,queued=1i,total=3i 1772366400",
		line)
}

func TestConnect_Disabled(t *testing.T) {
	c, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestClient_ClosedIsSafe(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.HealthCheck(context.Background()), ErrNotConnected)
	c.WriteConnectivity("lobby-1", true, pointTime)
	c.Flush()
	assert.NoError(t, c.Close())
}
