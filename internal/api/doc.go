// Package api is the hub's HTTP surface.
//
// It serves the device WebSocket endpoint, Prometheus metrics, a health
// check, and the operator routes that push commands to single devices,
// groups, or the whole fleet. Operator routes require an HS256 bearer
// token; each route checks the token role's permissions.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
