package mirror

import (
	"strings"
	"time"
)

// DefaultCrawlPeriod is the minimum interval between crawls of a feed.
const DefaultCrawlPeriod = 60 * time.Minute

// keyTimeLayout renders crawl start times into keys. Microsecond precision keeps
// keys of crawls started in quick succession distinct.
const keyTimeLayout = "2006-01-02 15:04:05.000000"

// Feed is a crawlable source of alerts or alert indexes.
type Feed struct {
	URL         string        `json:"url"`
	IsCrawlable bool          `json:"is_crawlable"`
	IsRoot      bool          `json:"is_root"`
	CrawlPeriod time.Duration `json:"crawl_period"`
	LastCrawl   string        `json:"last_crawl,omitempty"`
}

// NewFeed returns a crawlable root feed with the default crawl period.
func NewFeed(url string) Feed {
	return Feed{
		URL:         url,
		IsCrawlable: true,
		IsRoot:      true,
		CrawlPeriod: DefaultCrawlPeriod,
	}
}

// Period returns the feed's crawl period, falling back to the default.
func (f Feed) Period() time.Duration {
	if f.CrawlPeriod <= 0 {
		return DefaultCrawlPeriod
	}
	return f.CrawlPeriod
}

// Crawl is one epoch: a bounded cycle over all due root feeds and the URLs
// discovered beneath them.
type Crawl struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	IsDone   bool      `json:"is_done"`
	FeedURLs []string  `json:"feed_urls"`
}

// Key returns the crawl's identity, derived from its start time.
func (c Crawl) Key() string {
	return FormatKeyTime(c.Started)
}

// FormatKeyTime renders t the way crawl keys and shard keys embed it.
func FormatKeyTime(t time.Time) string {
	return t.UTC().Format(keyTimeLayout)
}

// ParseKeyTime is the inverse of FormatKeyTime.
func ParseKeyTime(s string) (time.Time, error) {
	return time.ParseInLocation(keyTimeLayout, strings.TrimSpace(s), time.UTC)
}

// Shard is one URL to fetch within one crawl.
type Shard struct {
	Key         string    `json:"key"`
	CrawlKey    string    `json:"crawl"`
	FeedURL     string    `json:"feed,omitempty"`
	URL         string    `json:"url"`
	IsDone      bool      `json:"is_done"`
	Started     time.Time `json:"started,omitempty"`
	Finished    time.Time `json:"finished,omitempty"`
	Error       string    `json:"error,omitempty"`
	ParseErrors []string  `json:"parse_errors,omitempty"`
	Attempts    int       `json:"attempts"`
}

// Alert is a CAP alert document mirrored from a shard's URL.
type Alert struct {
	Key         string    `json:"key"`
	CrawlKey    string    `json:"crawl"`
	FeedURL     string    `json:"feed,omitempty"`
	URL         string    `json:"url"`
	Text        string    `json:"text,omitempty"`
	TextURI     string    `json:"text_uri,omitempty"`
	TextHash    string    `json:"text_hash,omitempty"`
	ParseErrors []string  `json:"parse_errors,omitempty"`
	Identifier  string    `json:"identifier"`
	Sender      string    `json:"sender"`
	Sent        time.Time `json:"sent,omitempty"`
	Status      string    `json:"status"`
	MsgType     string    `json:"msg_type"`
	Source      string    `json:"source,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	Restriction string    `json:"restriction,omitempty"`
	Addresses   string    `json:"addresses,omitempty"`
	Codes       []string  `json:"codes,omitempty"`
	Note        string    `json:"note,omitempty"`
	References  []string  `json:"references,omitempty"`
	Incidents   string    `json:"incidents,omitempty"`
	Infos       []Info    `json:"infos,omitempty"`
}

// Info is the alert.info block of a CAP alert.
type Info struct {
	Language      string     `json:"language,omitempty"`
	Categories    []string   `json:"categories,omitempty"`
	Event         string     `json:"event,omitempty"`
	ResponseTypes []string   `json:"response_types,omitempty"`
	Urgency       string     `json:"urgency,omitempty"`
	Severity      string     `json:"severity,omitempty"`
	Certainty     string     `json:"certainty,omitempty"`
	Audience      string     `json:"audience,omitempty"`
	Effective     time.Time  `json:"effective,omitempty"`
	Onset         time.Time  `json:"onset,omitempty"`
	Expires       time.Time  `json:"expires,omitempty"`
	SenderName    string     `json:"sender_name,omitempty"`
	Headline      string     `json:"headline,omitempty"`
	Description   string     `json:"description,omitempty"`
	Instruction   string     `json:"instruction,omitempty"`
	Web           string     `json:"web,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	Resources     []Resource `json:"resources,omitempty"`
	Areas         []Area     `json:"areas,omitempty"`
}

// Resource is an alert.info.resource block.
type Resource struct {
	ResourceDesc string `json:"resource_desc,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URI          string `json:"uri,omitempty"`
	DerefURI     string `json:"deref_uri,omitempty"`
	Digest       string `json:"digest,omitempty"`
}

// Area is an alert.info.area block.
type Area struct {
	AreaDesc string   `json:"area_desc,omitempty"`
	Polygons []string `json:"polygons,omitempty"`
	Circles  []string `json:"circles,omitempty"`
	Altitude string   `json:"altitude,omitempty"`
	Ceiling  string   `json:"ceiling,omitempty"`
}

// Page bounds a listing query.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit is used when a listing does not specify a limit.
const DefaultPageLimit = 20

// Normalize fills in the default limit and clamps negative offsets.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
