// Package dispatch turns raw inbound frames into events and fans each event out
// to matching subscriptions and, for selected high-severity events, to the
// notification center.
//
// Frames are handled one at a time in arrival order, so subscribers see events
// in the order the connection delivered them. A panicking callback is logged
// and counted; it never stops delivery to the remaining subscribers.
package dispatch
