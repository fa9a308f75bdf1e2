// Package subscription keeps the set of active logical subscriptions that share
// the single connection.
//
// Local dispatch never depends on the server: a subscription is matched purely
// on its topics and filter. SUBSCRIBE and UNSUBSCRIBE frames are best-effort
// hints for server-side routing and are replayed after every reconnect.
package subscription
