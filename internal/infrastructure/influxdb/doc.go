// Package influxdb records pub/sub metrics to InfluxDB v2.
//
// Two measurements are written:
//   - connection_state: one point per provider state transition
//   - pubsub_messages: one point per published or streamed message
//
// Writes are batched and non-blocking. The daemon connects only when
// influxdb.enabled is set; Connect returns ErrDisabled otherwise.
package influxdb
