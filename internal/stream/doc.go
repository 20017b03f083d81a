// Package stream tracks every stream the server is caching. A Registry maps
// stream ids to Contexts; each Context owns one cache.ByteStore plus the
// server-assigned write cursor and the Uploading → Ready status machine.
//
// Locking uses two scopes. The registry lock guards only the map structure
// (insert, remove, snapshot) and is always taken before any per-stream lock,
// never after. Each Context carries its own mutex for cursor and status
// updates, so writes to different streams never contend beyond the brief
// structural lock.
//
// Streams whose last access is older than the configured age are reclaimed by
// CleanupOldStreams regardless of status; RunReaper drives that sweep on a
// timer.
package stream
