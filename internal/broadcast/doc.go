// Package broadcast fans a command out to every member of a device group
// and aggregates the per-device outcomes.
//
// Members are processed concurrently with a bounded number in flight. A
// failure for one member is recorded in its result and never stops the
// others. Members that are offline get the command put on their offline
// queue instead.
package broadcast
