// Package authcore is an offline-first authentication core for mobile and
// edge clients of the Credimobile identity service.
//
// The engine owns the full client-side session lifecycle: it signs and
// sends the login request, decrypts and validates the opaque session token,
// persists the session encrypted at rest, and assembles the signed header
// set every subsequent request needs. An http.RoundTripper wrapper adds the
// classic refresh-and-retry-once response policy with a single-flight
// refresh guarantee.
//
// Offline-first is the design center: an expired token does not invalidate
// a stored session, a 401 received while offline is ignored, and a failed
// refresh never logs the user out. Only an explicit logout, a definitive
// online rejection, or storage corruption removes a session.
//
// Build an engine through the Builder:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithBackend(backend).
//		WithNetworkMonitor(monitor).
//		Build()
//
// Engines are safe for concurrent use. Call Close to stop background tasks
// and flush telemetry; the persisted session survives for the next engine.
package authcore
