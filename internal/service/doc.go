// Package service assembles the event stream components into one explicitly
// owned object.
//
// A Service is created by the application root with New, started with Init
// and released with Teardown. It owns the connection manager, subscription
// registry, dispatcher, notification center and resilient executor; nothing is
// shared through package state, so independent services never observe each
// other.
package service
