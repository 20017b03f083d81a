// Package server hosts the Fiber HTTP service and the WebSocket transport that
// feeds frames into protocol sessions. NewApp wires the middleware chain
// (recover, request ids) and the upgrade endpoint; SessionRegistry tracks the
// live connections so diagnostics can list them and shutdown can close them.
// Keep exports narrow and accept explicit dependencies.
package server
