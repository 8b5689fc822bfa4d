// Package httpmw provides the HTTP middleware sitekit composes around an
// application's pages.
//
// httpserver.NewHandler wires them outermost first: startup gate, security
// headers, TLS redirect, panic recovery, request id, client ip, rate limit,
// request timeout, tracing, metrics, request logger, then the chi router with
// compression, route annotation, access log and the body limit.
//
// Query strings, bodies and user agents stay out of the access log; the
// request preprocessor cleans them before any page handler sees them.
package httpmw
