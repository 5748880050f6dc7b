// Package transport delivers session messages between nodes of one process.
//
// A Bus connects Endpoints by party name. Messages cross the bus as codec
// bytes, so everything a flow sends is exercised through the same encoding a
// network transport would use. Delivery to each endpoint is FIFO and runs on
// a dedicated goroutine per endpoint.
//
// Every inbound message stays unacknowledged until the receiving node has
// committed its effects and calls Endpoint.Acknowledge. Unacknowledged
// messages can be looked up again, which is how a node redelivers them to a
// flow that is retried from its last checkpoint.
package transport
