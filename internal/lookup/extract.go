package lookup

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned when a reply payload is not valid JSON.
var ErrInvalidPayload = errors.New("invalid reply payload")

// Extraction is what a reply tells us. Every field may be empty.
type Extraction struct {
	ExternalID string `json:"external_id,omitempty"`
	SubjectKey string `json:"subject_key,omitempty"`
	DisplayTag string `json:"display_tag,omitempty"`
	// Deferred marks a placeholder reply whose content arrives in a later edit.
	Deferred bool `json:"deferred,omitempty"`
}

// Extractor turns a raw reply payload into an Extraction.
//
// Payloads are message objects as posted by the bridge:
//
//	{"content": "...", "subject_id": "...", "subject_tag": "...",
//	 "embeds": [{"title": "...", "description": "...", "fields": [{"name": "...", "value": "..."}]}]}
type Extractor interface {
	Extract(payload []byte) (Extraction, error)
}

var (
	foundRe   = regexp.MustCompile(`Found:\s*.+?\((\d+)\)`)
	userIDRe  = regexp.MustCompile(`(?i)UserId[:\s]+(\d+)`)
	mentionRe = regexp.MustCompile(`<@!?(\d{5,20})>`)
	nonDigit  = regexp.MustCompile(`\D`)
	nonLetter = regexp.MustCompile(`[^a-zA-Z]`)
)

// EmbedExtractor reads lookup-bot embeds. The external id comes from the
// first field whose letters spell out "userid", else from the description
// ("Found: Name (123)" or "UserId: 123").
type EmbedExtractor struct{}

// Extract implements Extractor.
func (EmbedExtractor) Extract(payload []byte) (Extraction, error) {
	doc, err := parse(payload)
	if err != nil {
		return Extraction{}, err
	}

	ext := header(doc)
	embeds := doc.Get("embeds").Array()
	if len(embeds) == 0 && strings.TrimSpace(doc.Get("content").String()) == "" {
		ext.Deferred = true
		return ext, nil
	}
	if len(embeds) == 0 {
		return ext, nil
	}

	embed := embeds[0]
	ext.ExternalID = externalIDFromEmbed(embed)
	if ext.SubjectKey == "" {
		ext.SubjectKey = firstMention(embed.Get("description").String(), embed.Get("title").String(), doc.Get("content").String())
	}
	return ext, nil
}

func externalIDFromEmbed(embed gjson.Result) string {
	for _, f := range embed.Get("fields").Array() {
		name := strings.ToLower(nonLetter.ReplaceAllString(f.Get("name").String(), ""))
		if !strings.Contains(name, "userid") {
			continue
		}
		if d := nonDigit.ReplaceAllString(f.Get("value").String(), ""); d != "" {
			return d
		}
	}
	desc := embed.Get("description").String()
	if m := foundRe.FindStringSubmatch(desc); m != nil {
		return m[1]
	}
	if m := userIDRe.FindStringSubmatch(desc); m != nil {
		return m[1]
	}
	return ""
}

// PatternExtractor applies regular expressions to the reply text (content
// plus every embed title, description and field). The first capture group
// of each pattern is the value.
type PatternExtractor struct {
	idPattern  *regexp.Regexp
	keyPattern *regexp.Regexp
}

// NewPatternExtractor compiles the patterns. keyExpr may be empty.
func NewPatternExtractor(idExpr, keyExpr string) (*PatternExtractor, error) {
	id, err := compileCapture(idExpr)
	if err != nil {
		return nil, fmt.Errorf("external id pattern: %w", err)
	}
	p := &PatternExtractor{idPattern: id}
	if keyExpr != "" {
		if p.keyPattern, err = compileCapture(keyExpr); err != nil {
			return nil, fmt.Errorf("subject key pattern: %w", err)
		}
	}
	return p, nil
}

func compileCapture(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("%q has no capture group", expr)
	}
	return re, nil
}

// Extract implements Extractor.
func (p *PatternExtractor) Extract(payload []byte) (Extraction, error) {
	doc, err := parse(payload)
	if err != nil {
		return Extraction{}, err
	}

	ext := header(doc)
	text := replyText(doc)
	if strings.TrimSpace(text) == "" {
		ext.Deferred = true
		return ext, nil
	}
	if m := p.idPattern.FindStringSubmatch(text); m != nil {
		ext.ExternalID = m[1]
	}
	if ext.SubjectKey == "" && p.keyPattern != nil {
		if m := p.keyPattern.FindStringSubmatch(text); m != nil {
			ext.SubjectKey = m[1]
		}
	}
	return ext, nil
}

func parse(payload []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, ErrInvalidPayload
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	return doc, nil
}

// header reads the attribution the bridge may add to any payload.
func header(doc gjson.Result) Extraction {
	return Extraction{
		SubjectKey: doc.Get("subject_id").String(),
		DisplayTag: doc.Get("subject_tag").String(),
	}
}

func replyText(doc gjson.Result) string {
	var b strings.Builder
	b.WriteString(doc.Get("content").String())
	for _, e := range doc.Get("embeds").Array() {
		for _, path := range []string{"title", "description"} {
			b.WriteByte('\n')
			b.WriteString(e.Get(path).String())
		}
		for _, f := range e.Get("fields").Array() {
			b.WriteByte('\n')
			b.WriteString(f.Get("name").String())
			b.WriteString(": ")
			b.WriteString(f.Get("value").String())
		}
	}
	return b.String()
}

func firstMention(texts ...string) string {
	for _, t := range texts {
		if m := mentionRe.FindStringSubmatch(t); m != nil {
			return m[1]
		}
	}
	return ""
}
