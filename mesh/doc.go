// Package mesh implements the peer coordination layer: signed inter-node
// tokens, the membership coordinator with its heartbeat loop and health
// decay, a pure load-based router, the outbound HTTP client, and a mesh
// dispatcher that transparently offloads tool calls to healthy peers with
// local fallback. Routing is capped at one hop; a node never re-forwards an
// inbound execute request.
package mesh
