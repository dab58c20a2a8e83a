// Package hub fans dispenser updates out to WebSocket subscribers.
//
// Each subscriber has a buffered send queue drained by its own write
// goroutine, so Broadcast never waits on the network. A liveness cycle
// runs every PingInterval: a subscriber that has not answered the
// previous ping is evicted, every other subscriber is marked silent and
// pinged again. A pong marks it alive. A peer that never answers is
// therefore removed on the second cycle after its last reply.
package hub
