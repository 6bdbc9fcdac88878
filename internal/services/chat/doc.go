// Package chat implements a real-time text chat service.
//
// The server keeps one WebSocket per authenticated identity, fans messages out
// to the other members of a room and probes every connection with heartbeats.
// The client keeps a single connection alive across network loss with
// exponential backoff. Durable history lives behind the storage contracts so
// the live session code never depends on a database.
package chat
