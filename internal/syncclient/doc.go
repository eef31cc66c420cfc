// Package syncclient connects a local replica to a relay and keeps the
// local view of a workspace in step with it.
//
// Client moves updates over the websocket, Reconciler applies remote
// structure changes to local files after a reconnect, and Notifier
// coalesces change events for observers. Agent runs the three together
// for one workspace replica.
package syncclient
