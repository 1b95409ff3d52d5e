// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the route resolver that turns every intercepted request into a Route
// (classification plus network target) for the proxy handlers.
// The /-/ prefix is reserved for control endpoints registered by the routes
// package; everything else is treated as intercepted client traffic.
package server
