// Package messaging implements publish/subscribe on top of an AMQP style
// broker.
//
// The package is built around a small channel boundary:
//   - ChannelFactory hands out a Channel per destination
//   - Publisher wraps payloads in a contracts.Envelope and publishes them to
//     one or more routing keys on a short-lived channel
//   - Subscriber keeps a registry of subscriptions, each with its own
//     dedicated channel and consume loop, and settles deliveries according to
//     an AckPolicy
//
// Handlers are referenced weakly. A handler registered through
// SubscribeMethod does not keep its receiver alive; once the receiver has been
// collected, deliveries for that subscription are negatively acknowledged
// instead of being dispatched.
//
// Example usage:
//
//	publisher := messaging.NewPublisher(factory)
//	err := publisher.Publish(ctx, "orders", order, messaging.PublisherArgs{
//		messaging.ArgRoutingKeys: []string{"new", "audit"},
//	})
//
//	subscriber := messaging.NewSubscriber(factory)
//	key, err := messaging.SubscribeMethod(ctx, subscriber, "orders", svc,
//		(*OrderService).HandleOrder, nil)
//	...
//	_, err = subscriber.Unsubscribe(ctx, key)
package messaging
