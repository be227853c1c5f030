// Package extract turns loosely formatted generated text into a structured
// document.
//
// Extract is total: whatever the input, every field of the returned Document
// is populated, falling back to values derived from the Hints when the text
// does not supply them.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	metaLength    = 155
	summaryLength = 200
	longParagraph = 80
)

// Section is a heading with its body.
type Section struct {
	Heading string `json:"heading" yaml:"heading"`
	Body    string `json:"body" yaml:"body"`
}

// FAQ is one question and answer pair.
type FAQ struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Link is a suggested outbound link. Either URL or SlugSuggestion is set;
// links to absolute URLs also carry a slug derived from the anchor.
type Link struct {
	Anchor         string `json:"anchor" yaml:"anchor"`
	URL            string `json:"url,omitempty" yaml:"url,omitempty"`
	SlugSuggestion string `json:"slug_suggestion,omitempty" yaml:"slug_suggestion,omitempty"`
}

// Document is the structured form of one generated text.
type Document struct {
	Title           string    `json:"title" yaml:"title"`
	MetaDescription string    `json:"meta_description" yaml:"meta_description"`
	Intro           string    `json:"intro" yaml:"intro"`
	Sections        []Section `json:"sections" yaml:"sections"`
	FAQ             []FAQ     `json:"faq" yaml:"faq"`
	Keywords        []string  `json:"keywords" yaml:"keywords"`
	ExternalLinks   []Link    `json:"external_links" yaml:"external_links"`
	Summary         string    `json:"summary" yaml:"summary"`
}

// Hints seed the fallbacks.
type Hints struct {
	Topic    string
	Category string
}

func (h Hints) subject() string {
	switch {
	case h.Topic != "":
		return h.Topic
	case h.Category != "":
		return h.Category
	default:
		return "this topic"
	}
}

var genericKeywords = []string{"guide", "overview", "tips"}

type mode int

const (
	modeIntro mode = iota
	modeSection
	modeFAQ
	modeSummary
	modeLinks
)

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

type scanner struct {
	doc Document

	mode     mode
	heading  string
	question string
	buf      []string

	// label whose value is on the next non-empty line
	pending string

	para       []string
	paragraphs []string

	seenLinks    map[string]bool
	seenKeywords map[string]bool
}

// Extract parses raw into a Document. It never fails.
func Extract(raw string, hints Hints) Document {
	s := &scanner{
		seenLinks:    make(map[string]bool),
		seenKeywords: make(map[string]bool),
	}
	s.scan(raw)
	s.backfill(hints)
	return s.doc
}

func (s *scanner) scan(raw string) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, " \t\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			s.endParagraph()
			if s.pending == "" {
				s.buf = append(s.buf, "")
			}
			continue
		}

		level, text, isHeading := parseHeading(trimmed)
		name, value, isLabel := parseLabel(trimmed)
		if s.pending != "" && !isHeading && !isLabel {
			s.applyLabel(s.pending, trimmed)
			s.pending = ""
			continue
		}
		s.pending = ""

		if isHeading {
			s.endParagraph()
			s.onHeading(level, text, line)
			continue
		}
		if isLabel {
			s.endParagraph()
			s.onLabel(name, value, line)
			continue
		}

		s.collectLinks(trimmed)
		if s.mode == modeLinks {
			s.onLinkLine(trimmed)
			continue
		}

		s.para = append(s.para, trimmed)
		s.buf = append(s.buf, line)
	}

	s.endParagraph()
	s.flush()
}

func (s *scanner) endParagraph() {
	if len(s.para) == 0 {
		return
	}
	s.paragraphs = append(s.paragraphs, strings.Join(s.para, " "))
	s.para = nil
}

func (s *scanner) onHeading(level int, text, line string) {
	if level == 1 && s.doc.Title == "" {
		s.doc.Title = text
		return
	}

	if level >= 3 {
		switch s.mode {
		case modeFAQ:
			s.flushQuestion()
			s.question = text
		case modeIntro, modeSection:
			s.buf = append(s.buf, line)
		}
		return
	}

	s.flush()
	s.heading = text

	lower := strings.ToLower(text)
	switch {
	case isFAQHeading(lower):
		s.mode = modeFAQ
	case lower == "introduction" || lower == "intro":
		s.mode = modeIntro
	case lower == "summary":
		s.mode = modeSummary
	case lower == "links" || lower == "external links" || lower == "sources" || lower == "references":
		s.mode = modeLinks
	default:
		s.mode = modeSection
	}
}

func isFAQHeading(lower string) bool {
	return strings.HasPrefix(lower, "faq") || strings.Contains(lower, "frequently asked")
}

func (s *scanner) onLabel(name, value, line string) {
	switch name {
	case "links", "external links":
		s.flush()
		s.mode = modeLinks
		if value != "" {
			s.onLinkLine(value)
		}
	case "q", "question":
		if s.mode != modeFAQ {
			s.flush()
			s.mode = modeFAQ
		} else {
			s.flushQuestion()
		}
		s.question = value
	case "a", "answer":
		if s.mode != modeFAQ || s.question == "" {
			// not part of a Q/A pair
			s.para = append(s.para, strings.TrimSpace(line))
			s.buf = append(s.buf, line)
			return
		}
		s.buf = append(s.buf, value)
	default:
		if value == "" {
			s.pending = name
			return
		}
		s.applyLabel(name, value)
	}
}

func (s *scanner) applyLabel(name, value string) {
	switch name {
	case "title":
		if s.doc.Title == "" {
			s.doc.Title = value
		}
	case "meta description", "meta":
		if s.doc.MetaDescription == "" {
			s.doc.MetaDescription = value
		}
	case "summary":
		if s.doc.Summary == "" {
			s.doc.Summary = value
		}
	case "keywords":
		for _, kw := range strings.Split(value, ",") {
			s.addKeyword(kw)
		}
	}
}

func (s *scanner) addKeyword(kw string) {
	kw = strings.TrimSpace(strings.Trim(strings.TrimSpace(kw), "*_#.\"'"))
	if kw == "" {
		return
	}
	key := strings.ToLower(kw)
	if s.seenKeywords[key] {
		return
	}
	s.seenKeywords[key] = true
	s.doc.Keywords = append(s.doc.Keywords, kw)
}

// onLinkLine parses "- anchor | url-or-slug" lines.
func (s *scanner) onLinkLine(line string) {
	line = strings.TrimSpace(strings.TrimLeft(line, "-*+ "))
	if markdownLink.MatchString(line) {
		return // already collected
	}

	anchor, target, found := strings.Cut(line, "|")
	if !found {
		if isURL(line) {
			s.addLink(line, line)
		}
		return
	}
	s.addLink(strings.TrimSpace(anchor), strings.TrimSpace(target))
}

func (s *scanner) collectLinks(line string) {
	for _, m := range markdownLink.FindAllStringSubmatch(line, -1) {
		s.addLink(m[1], m[2])
	}
}

func (s *scanner) addLink(anchor, target string) {
	if anchor == "" || target == "" {
		return
	}

	link := Link{Anchor: anchor}
	if isURL(target) {
		link.URL = target
		link.SlugSuggestion = Slugify(anchor)
	} else {
		link.SlugSuggestion = Slugify(target)
	}
	if link.SlugSuggestion == "" && link.URL == "" {
		return
	}

	key := link.URL
	if key == "" {
		key = "slug:" + link.SlugSuggestion
	}
	if s.seenLinks[key] {
		return
	}
	s.seenLinks[key] = true
	s.doc.ExternalLinks = append(s.doc.ExternalLinks, link)
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (s *scanner) flushQuestion() {
	answer := joinText(s.buf)
	if s.question != "" && answer != "" {
		s.doc.FAQ = append(s.doc.FAQ, FAQ{Question: s.question, Answer: answer})
	}
	s.question = ""
	s.buf = nil
}

// flush moves the accumulator into the document according to the mode.
func (s *scanner) flush() {
	if s.mode == modeFAQ {
		s.flushQuestion()
		return
	}

	text := joinText(s.buf)
	s.buf = nil
	if text == "" {
		return
	}

	switch s.mode {
	case modeIntro:
		if s.doc.Intro == "" {
			s.doc.Intro = text
		} else {
			s.doc.Intro += "\n\n" + text
		}
	case modeSection:
		s.doc.Sections = append(s.doc.Sections, Section{Heading: s.heading, Body: text})
	case modeSummary:
		if s.doc.Summary == "" {
			s.doc.Summary = text
		}
	}
}

func (s *scanner) backfill(h Hints) {
	d := &s.doc

	if d.Title == "" {
		switch {
		case h.Category != "" && h.Topic != "":
			d.Title = h.Category + ": " + h.Topic
		case h.Topic != "":
			d.Title = h.Topic
		case h.Category != "":
			d.Title = h.Category
		default:
			d.Title = "Untitled Article"
		}
	}

	if d.Intro == "" {
		d.Intro = s.fallbackIntro(h)
	}
	if d.MetaDescription == "" {
		d.MetaDescription = truncate(flatten(d.Intro), metaLength)
	}
	if d.Summary == "" {
		d.Summary = truncate(d.MetaDescription, summaryLength)
	}

	if len(d.Keywords) == 0 {
		s.addKeyword(h.Topic)
		s.addKeyword(h.Category)
		for _, w := range strings.Fields(h.Topic + " " + h.Category) {
			if utf8.RuneCountInString(w) >= 4 {
				s.addKeyword(strings.ToLower(w))
			}
		}
		for _, kw := range genericKeywords {
			s.addKeyword(kw)
		}
	}

	if len(d.Sections) == 0 {
		d.Sections = []Section{{Heading: "Overview", Body: d.Intro}}
	}
	if len(d.FAQ) == 0 {
		d.FAQ = []FAQ{{
			Question: fmt.Sprintf("What should I know about %s?", h.subject()),
			Answer:   d.Summary,
		}}
	}
	if d.ExternalLinks == nil {
		d.ExternalLinks = []Link{}
	}
}

func (s *scanner) fallbackIntro(h Hints) string {
	for _, p := range s.paragraphs {
		if utf8.RuneCountInString(p) >= longParagraph {
			return p
		}
	}
	if len(s.paragraphs) > 0 {
		return s.paragraphs[0]
	}
	return fmt.Sprintf("This article gives an overview of %s.", h.subject())
}

// parseHeading recognises "# text" through "###### text".
func parseHeading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}

	text := strings.TrimSpace(strings.TrimRight(line[level:], "# "))
	text = strings.TrimSpace(strings.Trim(text, "*_"))
	if text == "" {
		return 0, "", false
	}
	return level, text, true
}

var labels = map[string]bool{
	"title":            true,
	"meta description": true,
	"meta":             true,
	"summary":          true,
	"keywords":         true,
	"links":            true,
	"external links":   true,
	"q":                true,
	"question":         true,
	"a":                true,
	"answer":           true,
}

// parseLabel recognises "Label: value", tolerating bold markers around the
// label.
func parseLabel(line string) (string, string, bool) {
	cleaned := strings.TrimLeft(line, "*_ ")
	name, value, found := strings.Cut(cleaned, ":")
	if !found {
		return "", "", false
	}

	name = strings.ToLower(strings.TrimSpace(strings.Trim(name, "*_ ")))
	if !labels[name] {
		return "", "", false
	}

	value = strings.TrimSpace(strings.TrimLeft(value, "*_ "))
	return name, value, true
}

// joinText joins accumulated lines, trimming the ends and collapsing runs of
// blank lines into one paragraph break.
func joinText(lines []string) string {
	var out []string
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
