// Package device holds the hub's persistent catalogue: devices and their
// credentials, device groups with ordered membership, and the offline
// command queue.
//
// SQLiteStore is the only implementation. SecretVerifier checks device
// credentials against the argon2id hash stored per device.
package device
