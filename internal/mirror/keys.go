package mirror

import "fmt"

// ShardKey derives the identity of the shard fetching url within crawl.
// Repeated or concurrent scheduling of the same URL in the same crawl always
// lands on the same key.
func ShardKey(crawl Crawl, url string) string {
	return ShardKeyFor(crawl.Key(), url)
}

// ShardKeyFor is ShardKey for callers that only hold the crawl key.
func ShardKeyFor(crawlKey, url string) string {
	return fmt.Sprintf("CrawlShard %s %s", crawlKey, url)
}

// AlertKey derives the identity of the alert mirrored from url within a crawl.
func AlertKey(crawlKey, url string) string {
	return fmt.Sprintf("CapAlert %s %s", crawlKey, url)
}
