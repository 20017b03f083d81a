// Package cache implements the growable byte store that backs every cached
// stream. A ByteStore owns exactly one file under the cache directory and
// exposes offset-addressed reads and writes, resize/finalize for the upload
// lifecycle, and flush/close for durability. Stores grow on demand: writing
// past the current end extends the file (zero-filled) before the payload is
// copied in, so the recorded size always matches the file length on disk.
// Higher layers (internal/stream) own one store per stream id and never share
// a store between streams.
package cache
