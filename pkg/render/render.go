// Package render turns item content into publish-ready post text.
package render

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// Limit is the hard length limit of a post, in characters.
	Limit = 280
	// SoftLimit leaves room for a short suffix after rendering.
	SoftLimit = 275
)

// Content is the input of a render.
type Content struct {
	Title  string
	Body   string
	URL    string
	Source string
}

// Kind is the inferred kind of a story.
type Kind int

const (
	KindGeneral Kind = iota
	KindPatch
	KindEvent
)

var kindMarkers = map[Kind]string{
	KindGeneral: "🛰️",
	KindPatch:   "🔧",
	KindEvent:   "📡",
}

var kindKeywords = []struct {
	kind  Kind
	words []string
}{
	{KindPatch, []string{"patch notes", "patch report", "hotfix", "patch "}},
	{KindEvent, []string{"livestream", "showcase", "convention", "event"}},
}

// Config controls rendering.
type Config struct {
	// Hashtags always appended, in order.
	Hashtags []string `yaml:"hashtags"`
	// TagRules maps a lowercase keyword to a hashtag added when it appears.
	TagRules map[string]string `yaml:"tag_rules"`
	// Keywords picks the summary sentence: the first sentence mentioning one
	// of them wins.
	Keywords []string `yaml:"keywords"`
	MaxLen   int      `yaml:"max_len"`
}

var (
	sentenceEnd = regexp.MustCompile(`[.!?]\s+`)
	spaces      = regexp.MustCompile(`[ \t]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
)

// Renderer renders posts.
type Renderer struct {
	cfg      Config
	keywords *regexp.Regexp
}

// New creates a renderer.
func New(cfg Config) *Renderer {
	if cfg.MaxLen <= 0 || cfg.MaxLen > Limit {
		cfg.MaxLen = SoftLimit
	}
	r := &Renderer{cfg: cfg}
	if len(cfg.Keywords) > 0 {
		quoted := make([]string, len(cfg.Keywords))
		for i, k := range cfg.Keywords {
			quoted[i] = regexp.QuoteMeta(k)
		}
		r.keywords = regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
	}
	return r
}

// Render builds the post: marker and headline, summary sentence, link and
// hashtags, cleaned and fitted to the configured length.
func (r *Renderer) Render(c Content) string {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = "Update"
	}
	body := primaryText(c.Body)
	kind := InferKind(title, body)

	parts := []string{kindMarkers[kind] + " " + title}
	if s := FirstSentence(body, r.keywords); s != "" && s != title {
		parts = append(parts, s)
	}
	if c.URL != "" {
		parts = append(parts, "🔗 "+c.URL)
	}
	if tags := r.hashtags(title + " " + body); tags != "" {
		parts = append(parts, tags)
	}

	return Fit(Clean(strings.Join(parts, "\n\n")), r.cfg.MaxLen)
}

// InferKind classifies a story by keywords in its title and body.
func InferKind(title, body string) Kind {
	text := strings.ToLower(title + " " + body + " ")
	for _, k := range kindKeywords {
		for _, w := range k.words {
			if strings.Contains(text, w) {
				return k.kind
			}
		}
	}
	return KindGeneral
}

// FirstSentence returns the first sentence mentioning a keyword, else the
// first sentence of at least 40 characters, else the first sentence.
func FirstSentence(text string, keywords *regexp.Regexp) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last : loc[0]+1]); s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		sentences = append(sentences, s)
	}
	if len(sentences) == 0 {
		return text
	}

	if keywords != nil {
		for _, s := range sentences {
			if keywords.MatchString(s) {
				return s
			}
		}
	}
	for _, s := range sentences {
		if len(s) >= 40 {
			return s
		}
	}
	return sentences[0]
}

// Clean normalizes whitespace while keeping paragraph breaks.
func Clean(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaces.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// Fit shortens text to at most limit characters, cutting at a word boundary
// and ending with an ellipsis.
func Fit(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit <= 1 {
		return string([]rune(text)[:max(limit, 0)])
	}
	cut := string([]rune(text)[:limit-1])
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n") + ellipsis
}

const ellipsis = "…"

// WithSuffix appends suffix, shortening text so the result stays within
// the hard post limit.
func WithSuffix(text, suffix string) string {
	room := Limit - utf8.RuneCountInString(suffix)
	return Fit(text, room) + suffix
}

func (r *Renderer) hashtags(text string) string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		if seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, t := range r.cfg.Hashtags {
		add(t)
	}
	keys := make([]string, 0, len(r.cfg.TagRules))
	for k := range r.cfg.TagRules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			add(r.cfg.TagRules[k])
		}
	}
	return strings.Join(tags, " ")
}

// primaryText drops anything after a horizontal-rule separator, which feeds
// use to append boilerplate, and collapses whitespace.
func primaryText(body string) string {
	if i := strings.Index(body, "----------"); i >= 0 {
		body = body[:i]
	}
	return strings.Join(strings.Fields(body), " ")
}
