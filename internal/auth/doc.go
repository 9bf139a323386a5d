// Package auth verifies operator bearer tokens.
//
// Operators are not managed here. Tokens are HS256 JWTs signed with the
// configured secret and carry a role; each role maps to a fixed set of
// permissions checked by the API middleware. Devices authenticate
// separately, with per-device secrets (see package device).
package auth
