package extract

import (
	"fmt"
	"strings"
)

// Render writes d back out in the markdown convention Extract reads. For any
// document Extract returned, Extract(Render(d)) reproduces d. The summary is
// a section of its own so multi-paragraph summaries survive.
func Render(d Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	fmt.Fprintf(&b, "Meta Description: %s\n\n", d.MetaDescription)
	fmt.Fprintf(&b, "%s\n\n", d.Intro)

	for _, s := range d.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Heading, s.Body)
	}

	if d.Summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", d.Summary)
	}

	if len(d.FAQ) > 0 {
		b.WriteString("## Frequently Asked Questions\n\n")
		for _, f := range d.FAQ {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", f.Question, f.Answer)
		}
	}

	if len(d.ExternalLinks) > 0 {
		b.WriteString("## External Links\n\n")
		for _, l := range d.ExternalLinks {
			target := l.URL
			if target == "" {
				target = l.SlugSuggestion
			}
			fmt.Fprintf(&b, "- %s | %s\n", l.Anchor, target)
		}
		b.WriteString("\n")
	}

	if len(d.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(d.Keywords, ", "))
	}

	return b.String()
}
