package notifications

import (
	"regexp"
	"strings"

	"github.com/bissquit/booking-notifier/internal/domain"
	"golang.org/x/text/language"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

var arabicBase, _ = language.Arabic.Base()

// TemplateResolver expands notification text for a recipient.
type TemplateResolver struct{}

// NewTemplateResolver creates a template resolver.
func NewTemplateResolver() *TemplateResolver {
	return &TemplateResolver{}
}

// Expand replaces every {{name}} whose name is present in variables, in a single
// left-to-right pass. Unknown tokens are kept verbatim.
func (r *TemplateResolver) Expand(text string, variables map[string]string) string {
	if len(variables) == 0 || !strings.Contains(text, "{{") {
		return text
	}

	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if value, ok := variables[name]; ok {
			return value
		}
		return token
	})
}

// Resolve selects the title and body for the recipient's language and expands
// the notification metadata into both. Localized fields are used only when the
// recipient reads Arabic and the field was authored; otherwise English is used.
func (r *TemplateResolver) Resolve(n domain.Notification, prefs *domain.Preferences) Content {
	title, body := n.Title, n.Body
	lang := "en"

	if prefersArabic(prefs.Language) {
		if n.TitleLocalized != "" {
			title = n.TitleLocalized
			lang = "ar"
		}
		if n.BodyLocalized != "" {
			body = n.BodyLocalized
			lang = "ar"
		}
	}

	return Content{
		Title:    r.Expand(title, n.Metadata),
		Body:     r.Expand(body, n.Metadata),
		Language: lang,
	}
}

func prefersArabic(lang string) bool {
	if lang == "" {
		return false
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	return base == arabicBase
}
