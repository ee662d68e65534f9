// Package sessions owns the lifecycle of protocol sessions. A session is one
// inbound protocol connection together with its transport and capability
// set. Sessions are single use and only move forward through their states:
//
//	Created -> Connected -> Active -> Closed
//
// Layers & Roles
//
//	Manager   -> factory: builds a session, binds the transport, attaches capabilities
//	Session   -> per-connection state machine with an exactly-once Close
//	Registry  -> the live set of active sessions, used for change fan-out
//
// # Lifecycle
//
// Manager.Open returns an Active session that is already in the Registry.
// Callers must arrange for Close to run when the underlying connection ends;
// Close is idempotent, so it is safe to both defer it and trigger it from a
// connection-close callback. On Close the session is removed from the
// Registry, its transport is closed and Done is closed, exactly once.
//
// # Concurrency
//
// Messages within one session are handled in arrival order. Sessions share no
// mutable state other than the Registry, which is safe for concurrent use.
package sessions
