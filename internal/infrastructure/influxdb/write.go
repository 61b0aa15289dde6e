package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// Measurement names.
const (
	MeasurementConnectionState = "connection_state"
	MeasurementMessages        = "pubsub_messages"
)

// Message directions for MeasurementMessages.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// WriteStateChange records a provider state transition.
//
// Tagged by provider; fields are the state name and a connected flag for
// easy uptime queries.
func (c *Client) WriteStateChange(ev pubsub.StateChange) {
	if !c.IsConnected() {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementConnectionState,
		map[string]string{"provider": ev.Provider},
		map[string]interface{}{
			"state":     string(ev.State),
			"connected": ev.State == pubsub.StateConnected,
		},
		at,
	))
}

// WriteMessage records one published or delivered message.
//
// Parameters:
//   - provider: Provider name (tag)
//   - direction: DirectionInbound or DirectionOutbound (tag)
//   - topic: Concrete topic (field, kept out of tags to bound cardinality)
//   - size: Encoded payload size in bytes
func (c *Client) WriteMessage(provider, direction, topic string, size int) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementMessages,
		map[string]string{
			"provider":  provider,
			"direction": direction,
		},
		map[string]interface{}{
			"topic": topic,
			"bytes": int64(size),
		},
		time.Now(),
	))
}
