// Package rabbitmq provides the RabbitMQ transport for the messaging package.
//
// Transport dials the broker, declares configured topology and hands out
// channels through the messaging.ChannelFactory interface. Subscriptions get a
// dedicated channel each; Pooled returns a factory whose channels go back to a
// shared pool when closed, which suits short publish calls.
package rabbitmq
