// Package timeouts defines shared timeout constants used by the chat
// processes so server and client agree on liveness windows.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Heartbeat is the default interval between server pings on a live
// connection.
const Heartbeat = 30 * time.Second

// IdleMultiplier scales the heartbeat interval into the read deadline a
// connection gets before it is considered dead.
const IdleMultiplier = 2

// WriteFrame caps a single frame write to one peer.
const WriteFrame = 10 * time.Second

// Dial caps the WebSocket handshake and the gRPC health probe.
const Dial = 10 * time.Second

// Persist caps a single message log append.
const Persist = 5 * time.Second

// IdleTimeout returns the read deadline window for a heartbeat interval.
func IdleTimeout(heartbeat time.Duration) time.Duration {
	if heartbeat <= 0 {
		heartbeat = Heartbeat
	}
	return heartbeat * IdleMultiplier
}
