// Package event implements the Event Bus component of the session
// supervisor (spec §4.7): per-session pub/sub for outbound AgendoEvents and
// inbound AgendoControls, dispatched locally through direct subscriber
// callbacks and bridged across worker processes by Postgres LISTEN/NOTIFY
// (PGBridge).
package event
