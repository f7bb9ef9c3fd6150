// Package server is the hosting layer in front of the hub: it upgrades HTTP
// requests to WebSocket connections, enforces the origin allow-list and hands
// each connection to hub.Accept. It also serves health checks and metrics.
package server
