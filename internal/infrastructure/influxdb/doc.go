// Package influxdb records device connectivity and group send outcomes
// as InfluxDB time series.
//
// Writes go through the client's batching write API and never block the
// caller. The integration is optional: Connect returns ErrDisabled when
// influxdb.enabled is false and callers carry on without it.
package influxdb
