// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to the backend event endpoint
//   - Sends application PING frames on a fixed interval while connected
//   - Reconnects with exponential backoff after an unexpected close, up to a
//     configured number of attempts
//   - Emits every state transition to registered listeners
//   - Forwards raw inbound frames, in arrival order, to the Dispatcher
//
// Outbound frames are delivered at most once: Send drops the frame when the
// connection is not up. A manual Disconnect never schedules a reconnect.
package connection
