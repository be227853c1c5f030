package generation

import (
	"fmt"
	"strings"
)

// Temperatures used by the prompt builders.
const (
	articleTemperature     = 0.7
	translationTemperature = 0.3
	discoveryTemperature   = 0.9
)

var languageNames = map[string]string{
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"it": "Italian",
	"ja": "Japanese",
	"nl": "Dutch",
	"pl": "Polish",
	"pt": "Portuguese",
	"sv": "Swedish",
}

// LanguageName returns the English name of a language code, or the code
// itself when unknown.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// ArticleBrief describes the article to write.
type ArticleBrief struct {
	Topic      string
	Category   string
	Language   string
	WorkType   string
	Complexity string
}

func wordTarget(complexity string) string {
	switch complexity {
	case "basic":
		return "600 to 900"
	case "deep":
		return "1800 to 2500"
	default:
		return "1000 to 1500"
	}
}

const articleFormat = `Format the answer as markdown exactly like this:

# <title>

Meta Description: <one sentence, at most 155 characters>
Keywords: <5 to 8 comma separated keywords>

<introduction, one or two paragraphs>

## <section heading>

<section body>

(3 to 6 sections)

## Frequently Asked Questions

### <question>

<answer>

(3 to 5 questions)

External Links:
- <anchor text> | <https url or related article slug>

Summary: <two sentences>`

// ArticleRequest builds the prompt for a primary document.
func ArticleRequest(b ArticleBrief, maxTokens int64) Request {
	system := fmt.Sprintf(
		"You are an experienced %s-language editor writing evergreen web articles. "+
			"Write in %s only. Be accurate, concrete and practical. Never mention that you are an AI.",
		LanguageName(b.Language), LanguageName(b.Language))

	user := fmt.Sprintf(
		"Write a %s of %s words about %q for the %q category.\n\n%s",
		strings.ReplaceAll(b.WorkType, "_", " "), wordTarget(b.Complexity), b.Topic, b.Category, articleFormat)

	return Request{
		System:      system,
		User:        user,
		MaxTokens:   maxTokens,
		Temperature: articleTemperature,
	}
}

// TranslationRequest builds the prompt that translates a rendered document.
func TranslationRequest(markdown, from, to string, maxTokens int64) Request {
	system := fmt.Sprintf(
		"You are a professional translator from %s to %s. Keep the markdown structure, "+
			"headings, labels and links exactly as they are and translate only the text. "+
			"Keep the label names Meta Description, Keywords and Summary in English.",
		LanguageName(from), LanguageName(to))

	return Request{
		System:      system,
		User:        markdown,
		MaxTokens:   maxTokens,
		Temperature: translationTemperature,
	}
}

// DiscoveryRequest builds the prompt that proposes new topics.
func DiscoveryRequest(language string, categories []string, perCategory int, maxTokens int64) Request {
	system := "You are a content strategist who proposes search-friendly evergreen article topics."

	var b strings.Builder
	fmt.Fprintf(&b, "Propose %d article topics in %s for each of these categories:\n\n", perCategory, LanguageName(language))
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nAnswer with one line per topic in the form:\n<category> | <topic>\n")
	b.WriteString("Use the category names exactly as given. No numbering, no commentary.")

	return Request{
		System:      system,
		User:        b.String(),
		MaxTokens:   maxTokens,
		Temperature: discoveryTemperature,
	}
}
