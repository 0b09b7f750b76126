// Package server hosts the Fiber HTTP service in front of the budget app
// origin: the request middleware chain, the shared upstream http.Client and
// the OriginFetcher that the interceptor uses as its network transport.
// Diagnostics routes under /-/ are registered by the routes subpackage; keep
// exports narrow and accept explicit dependencies.
package server
