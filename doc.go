// Package ksi implements a single-process event runtime: a daemon that
// routes JSON events between handlers and transformers, keeps a hot/cold
// context store, logs every event to a durable JSONL+SQLite reference
// log, and exposes dynamic routing rules, introspection, and checkpoint
// recovery over two transports.
//
// # Quick Start
//
// Install the daemon:
//
//	go install github.com/durapensa/ksi/cmd/ksid@latest
//
// Start it against a config file:
//
//	ksid --config ksid.yaml
//
// Talk to it over its Unix socket with newline-delimited JSON envelopes:
//
//	{"event":"routing:add_rule","data":{"rule_id":"weather-to-slack","source_pattern":"weather:*","target":"notify:slack","token":"<routing_control capability token>"}}
//
// # Architecture
//
// Ten components make up the daemon, each communicating only through
// emitted events: a template engine, a context manager (hot LRU + cold
// SQLite), a reference event log, an event router, a transformer runtime,
// a dynamic routing service, an introspection module, a checkpoint
// engine, the Unix-socket/WebSocket transports, and the daemon core that
// wires startup/shutdown ordering between them.
//
// # Alpha Status
//
// This is early-stage software; APIs and wire formats may change.
package ksi
