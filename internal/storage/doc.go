// Package storage is the attempt journal: an append-only record of every
// dispatch plus durable "published" markers keyed by job id.
package storage
