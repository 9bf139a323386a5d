// Package presence fans device connectivity changes out to dashboards.
//
// Notifier implements hub.Observer. The hub calls it from connection
// goroutines, so it only enqueues; a single worker publishes retained MQTT
// presence messages and writes InfluxDB connectivity points in the order
// the events happened.
package presence
