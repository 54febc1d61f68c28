// Package mirror defines the domain model of the alert feed mirror: feeds,
// crawl epochs, shards and the alert documents derived from them, together
// with the collaborator interfaces (stores, queue lanes, fetcher, parser)
// that the epoch controller, shard worker and purger are written against.
package mirror
