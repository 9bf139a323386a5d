// Package hub terminates device WebSocket connections and carries
// commands to them.
//
// A connection starts unauthenticated. The device must send a hello
// frame with its ID and secret before the auth deadline; frames that
// arrive while the hello is being verified are queued and replayed in
// order once it succeeds. Each device has at most one live connection:
// a newer handshake for the same ID evicts the older one.
//
// Commands go out three ways:
//
//   - SendFireAndForget: queued for writing, no reply expected
//   - SendAwaitAck: blocks until the device acks, the ack deadline
//     passes, the connection drops, or the caller's context ends
//   - Broadcast: fire-and-forget to every connected device
//
// Every awaited command settles exactly once. Timer expiry, device ack,
// connection teardown and caller cancellation all race through the same
// take-and-remove on the pending table.
//
// Authenticated devices are held to a sliding-window message budget;
// exceeding it closes the connection with a policy violation.
package hub
