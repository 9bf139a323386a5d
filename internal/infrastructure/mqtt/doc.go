// Package mqtt publishes hub events to an MQTT broker.
//
// The hub only publishes; it never subscribes. Dashboards and other
// services follow device presence on {prefix}/presence/{deviceId}
// (retained) and the hub's own liveness on {prefix}/hub/status, which
// the broker flips to offline through the Last Will if the hub dies.
//
// Use TLS (mqtt.broker.tls) outside of a trusted network.
package mqtt
