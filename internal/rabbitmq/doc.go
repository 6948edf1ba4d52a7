// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the broker service.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, connects lazily
//   - TopologyManager: declares exchanges, queues and bindings
//   - Publisher: sends JSON messages and reports failures as a boolean
//   - Consumer: runs handlers and settles each delivery exactly once
//
// Reconnection is never automatic. A lost connection is logged and the next
// publish or consume reconnects through EnsureConnection.
package rabbitmq
