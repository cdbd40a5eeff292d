// Package rabbitmq holds the broker plumbing behind the transport.
//
// This package includes:
//   - ConnectionManager: dials the broker and reconnects with backoff
//   - ChannelPool: reusable channels for short-lived publish calls
//   - TopologyManager: exchanges, queues and bindings, declared up front or
//     lazily per connection
package rabbitmq
