/*
Package blizzard is a plugin-driven HTTP/1.x server.

A single reactor goroutine accepts connections and drives a small state
machine per connection over non-blocking sockets. Once a request is parsed
it is handed to the plugin on the easy worker tier; a plugin that needs to
block answers Again and the request moves to the hard tier. Finished
requests come back to the reactor through the done queue and are written
out, after which the connection is closed.

Quick Start

	blizzard --init-config blizzard.yaml
	blizzard -c blizzard.yaml
	curl localhost:8080/16
	curl localhost:8081/?format=text

A plugin implements plugin.Plugin and is either compiled in through
plugin.Register or loaded from a Go plugin library exporting NewPlugin.
See examples/basic for a plugin embedded in its own binary.

Modules

  - app: process lifecycle, signals, idle heartbeat and log rotation
  - config: YAML and BLIZZARD_* environment configuration
  - core: the engine (reactor, idle timeouts, status listener)
  - core/http: per-connection request parser and response writer
  - core/pipeline: easy, hard and done queues with their workers
  - core/plugin: the plugin contract and registry
  - core/poller: epoll (Linux) and kqueue (BSD/macOS) readiness
  - core/pools: paged arena for connections, byte buffers, GC tuning
  - core/timeline: idle connection index ordered by last activity
  - core/observability: stats window, status document, Prometheus metrics
  - plugins/example: answers GET /N with N bytes
*/
package blizzard
