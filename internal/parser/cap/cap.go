// Package cap parses Common Alerting Protocol documents into mirror.Alert.
//
// The parser is permissive: problems inside a single alert (duplicate
// elements, bad timestamps or sizes, missing blocks or required fields) are
// collected as recoverable parse errors instead of aborting the parse.
package cap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Recoverable parse error messages.
const (
	msgNoInfo = "No alert.info nodes"
	msgNoArea = "No alert.info.area nodes"
)

// requiredAlertFields lists alert elements CAP 1.x requires.
var requiredAlertFields = []string{"identifier", "sender", "sent", "status", "msgType", "scope"}

type xmlAlert struct {
	Identifier  []string  `xml:"identifier"`
	Sender      []string  `xml:"sender"`
	Sent        []string  `xml:"sent"`
	Status      []string  `xml:"status"`
	MsgType     []string  `xml:"msgType"`
	Source      []string  `xml:"source"`
	Scope       []string  `xml:"scope"`
	Restriction []string  `xml:"restriction"`
	Addresses   []string  `xml:"addresses"`
	Codes       []string  `xml:"code"`
	Note        []string  `xml:"note"`
	References  []string  `xml:"references"`
	Incidents   []string  `xml:"incidents"`
	Infos       []xmlInfo `xml:"info"`
}

type xmlInfo struct {
	Language      []string      `xml:"language"`
	Categories    []string      `xml:"category"`
	Event         []string      `xml:"event"`
	ResponseTypes []string      `xml:"responseType"`
	Urgency       []string      `xml:"urgency"`
	Severity      []string      `xml:"severity"`
	Certainty     []string      `xml:"certainty"`
	Audience      []string      `xml:"audience"`
	Effective     []string      `xml:"effective"`
	Onset         []string      `xml:"onset"`
	Expires       []string      `xml:"expires"`
	SenderName    []string      `xml:"senderName"`
	Headline      []string      `xml:"headline"`
	Description   []string      `xml:"description"`
	Instruction   []string      `xml:"instruction"`
	Web           []string      `xml:"web"`
	Contact       []string      `xml:"contact"`
	Resources     []xmlResource `xml:"resource"`
	Areas         []xmlArea     `xml:"area"`
}

type xmlResource struct {
	ResourceDesc []string `xml:"resourceDesc"`
	MimeType     []string `xml:"mimeType"`
	Size         []string `xml:"size"`
	URI          []string `xml:"uri"`
	DerefURI     []string `xml:"derefUri"`
	Digest       []string `xml:"digest"`
}

type xmlArea struct {
	AreaDesc []string `xml:"areaDesc"`
	Polygons []string `xml:"polygon"`
	Circles  []string `xml:"circle"`
	Altitude []string `xml:"altitude"`
	Ceiling  []string `xml:"ceiling"`
}

// Parser converts CAP XML into alerts. The zero value is ready to use.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts the single <alert> element of body. It returns
// mirror.ErrNotADocument when body is XML without any alert, and
// mirror.ErrDocumentFormat when it holds several alerts or is not XML.
func (p *Parser) Parse(body []byte) (*mirror.Alert, []string, error) {
	raw, err := findAlert(body)
	if err != nil {
		return nil, nil, err
	}
	c := &collector{}
	alert := c.alert(raw)
	return alert, c.errs, nil
}

func findAlert(body []byte) (*xmlAlert, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel

	var (
		first *xmlAlert
		count int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse error: %v", mirror.ErrDocumentFormat, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "alert" {
			continue
		}
		count++
		if count > 1 {
			return nil, fmt.Errorf("%w: more than one <alert> node", mirror.ErrDocumentFormat)
		}
		first = &xmlAlert{}
		if err := dec.DecodeElement(first, &start); err != nil {
			return nil, fmt.Errorf("%w: parse error: %v", mirror.ErrDocumentFormat, err)
		}
	}
	if count == 0 {
		return nil, mirror.ErrNotADocument
	}
	return first, nil
}

// collector copies xml fields onto the model and accumulates recoverable errors.
type collector struct {
	errs []string
}

func (c *collector) addf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

// one returns the single value of a scalar element, flagging duplicates.
func (c *collector) one(tag string, values []string) string {
	if len(values) > 1 {
		c.addf("Duplicate child nodes %q: %d found", tag, len(values))
		return ""
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func (c *collector) list(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *collector) timestamp(tag string, values []string) time.Time {
	text := c.one(tag, values)
	if text == "" {
		return time.Time{}
	}
	t, err := ParseDateTime(text)
	if err != nil {
		c.addf("Error copying %q from %q: %v", tag, text, err)
		return time.Time{}
	}
	return t
}

func (c *collector) integer(tag string, values []string) int64 {
	text := c.one(tag, values)
	if text == "" {
		return 0
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		c.addf("Error copying %q from %q: %v", tag, text, err)
		return 0
	}
	return n
}

func (c *collector) alert(x *xmlAlert) *mirror.Alert {
	a := &mirror.Alert{
		Identifier:  c.one("identifier", x.Identifier),
		Sender:      c.one("sender", x.Sender),
		Sent:        c.timestamp("sent", x.Sent),
		Status:      c.one("status", x.Status),
		MsgType:     c.one("msgType", x.MsgType),
		Source:      c.one("source", x.Source),
		Scope:       c.one("scope", x.Scope),
		Restriction: c.one("restriction", x.Restriction),
		Addresses:   c.one("addresses", x.Addresses),
		Codes:       c.list(x.Codes),
		Note:        c.one("note", x.Note),
		References:  c.list(x.References),
		Incidents:   c.one("incidents", x.Incidents),
	}
	present := map[string]bool{
		"identifier": a.Identifier != "",
		"sender":     a.Sender != "",
		"sent":       len(x.Sent) > 0,
		"status":     a.Status != "",
		"msgType":    a.MsgType != "",
		"scope":      a.Scope != "",
	}
	for _, field := range requiredAlertFields {
		if !present[field] {
			c.addf("Missing required alert.%s", field)
		}
	}
	if len(x.Infos) == 0 {
		c.addf(msgNoInfo)
	}
	for i := range x.Infos {
		a.Infos = append(a.Infos, c.info(&x.Infos[i]))
	}
	return a
}

func (c *collector) info(x *xmlInfo) mirror.Info {
	info := mirror.Info{
		Language:      c.one("language", x.Language),
		Categories:    c.list(x.Categories),
		Event:         c.one("event", x.Event),
		ResponseTypes: c.list(x.ResponseTypes),
		Urgency:       c.one("urgency", x.Urgency),
		Severity:      c.one("severity", x.Severity),
		Certainty:     c.one("certainty", x.Certainty),
		Audience:      c.one("audience", x.Audience),
		Effective:     c.timestamp("effective", x.Effective),
		Onset:         c.timestamp("onset", x.Onset),
		Expires:       c.timestamp("expires", x.Expires),
		SenderName:    c.one("senderName", x.SenderName),
		Headline:      c.one("headline", x.Headline),
		Description:   c.one("description", x.Description),
		Instruction:   c.one("instruction", x.Instruction),
		Web:           c.one("web", x.Web),
		Contact:       c.one("contact", x.Contact),
	}
	for _, r := range x.Resources {
		info.Resources = append(info.Resources, mirror.Resource{
			ResourceDesc: c.one("resourceDesc", r.ResourceDesc),
			MimeType:     c.one("mimeType", r.MimeType),
			Size:         c.integer("size", r.Size),
			URI:          c.one("uri", r.URI),
			DerefURI:     c.one("derefUri", r.DerefURI),
			Digest:       c.one("digest", r.Digest),
		})
	}
	if len(x.Areas) == 0 {
		c.addf(msgNoArea)
	}
	for _, ar := range x.Areas {
		info.Areas = append(info.Areas, mirror.Area{
			AreaDesc: c.one("areaDesc", ar.AreaDesc),
			Polygons: c.list(ar.Polygons),
			Circles:  c.list(ar.Circles),
			Altitude: c.one("altitude", ar.Altitude),
			Ceiling:  c.one("ceiling", ar.Ceiling),
		})
	}
	return info
}

// ParseDateTime accepts CAP timestamps: RFC 3339 with an optional fractional
// second, a "Z" or numeric zone, and tolerates a missing zone (read as UTC).
func ParseDateTime(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date-time representation: %q", text)
}
