// Package checkpoint persists delivery state so the agent survives restarts.
//
// It records:
//   - Which event ids have already been delivered (dedup)
//   - The last-seen resume watermark used to rebuild the stream URL
//
// Entries older than the retention window are purged lazily on writes and
// by a periodic sweep scheduled by the app.
package checkpoint
