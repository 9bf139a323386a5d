package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the hub.
const (
	MeasurementConnectivity = "device_connectivity"
	MeasurementGroupSend    = "group_send"
)

// ConnectivityPoint records a device connecting (true) or disconnecting.
func ConnectivityPoint(deviceID string, connected bool, ts time.Time) *write.Point {
	value := int64(0)
	if connected {
		value = 1
	}
	return write.NewPoint(
		MeasurementConnectivity,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"connected": value},
		ts,
	)
}

// GroupSendPoint records the outcome counts of one group command.
func GroupSendPoint(groupID, cmdType string, total, live, queued, failed int, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementGroupSend,
		map[string]string{
			"group_id": groupID,
			"type":     cmdType,
		},
		map[string]interface{}{
			"total":  int64(total),
			"live":   int64(live),
			"queued": int64(queued),
			"failed": int64(failed),
		},
		ts,
	)
}

// WriteConnectivity queues a ConnectivityPoint.
func (c *Client) WriteConnectivity(deviceID string, connected bool, ts time.Time) {
	c.WritePoint(ConnectivityPoint(deviceID, connected, ts))
}

// WriteGroupSend queues a GroupSendPoint.
func (c *Client) WriteGroupSend(groupID, cmdType string, total, live, queued, failed int, ts time.Time) {
	c.WritePoint(GroupSendPoint(groupID, cmdType, total, live, queued, failed, ts))
}
