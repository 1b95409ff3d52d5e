// Package cache implements the generation-scoped response cache. Every cache
// generation is a directory under the cache root; entries are stored as
// <generation>/<path>.body with a <path>.meta sidecar carrying the status,
// replay headers and capture time. Writes go through temp file + rename so a
// concurrent reader never observes a half-written entry. Whole generations
// are enumerated and deleted during activation; single entries are only ever
// overwritten.
package cache
