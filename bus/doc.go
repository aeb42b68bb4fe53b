// Package bus implements the inter-agent messaging substrate: a topic-based
// publish/subscribe event bus with request/response correlation, a dynamic
// subscription registry and an observing middleware chain.
//
// Delivery semantics:
//
//   - Publish is asynchronous and never blocks the caller; handler errors and
//     panics are caught and logged, never propagated to the publisher or to
//     sibling handlers.
//   - Messages on the same topic are delivered in publish order (FIFO per
//     topic); topics have no relative ordering guarantee.
//   - Request registers a pending entry keyed by the message id, publishes,
//     and suspends until the first correlated response or the deadline. Late
//     and duplicate responses are dropped and logged.
//
// The middleware chain observes every message entering the bus, including
// responses; it may drop a message but never reorders delivery.
package bus
