package classify

import (
	"strings"

	"github.com/ashureev/dump-viewer/internal/domain"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Checked in order; the first group with a hit wins.
var keywordRules = []struct {
	category domain.Category
	words    []string
}{
	{domain.CategoryQuery, []string{"select ", "insert ", "update ", "delete ", "query", "sql"}},
	{domain.CategoryRequest, []string{"request", "response", "http", "$_get", "$_post", "headers"}},
	{domain.CategoryJob, []string{"job", "queue", "dispatch", "worker"}},
	{domain.CategoryView, []string{"view", "template", "blade", "twig"}},
	{domain.CategoryLog, []string{"log", "error", "exception", "warning"}},
}

// SniffCategory guesses a category from the visible text of rawHTML and the
// structured context. Script and style bodies are ignored: the dumper's
// inline JavaScript would otherwise match several groups.
func SniffCategory(rawHTML string, sc *SourceContext) domain.Category {
	var b strings.Builder
	b.WriteString(VisibleText(rawHTML))
	if sc != nil {
		b.WriteByte(' ')
		b.WriteString(sc.File)
		b.WriteByte(' ')
		b.WriteString(sc.Function)
		b.WriteByte(' ')
		b.WriteString(sc.Class)
	}
	combined := strings.ToLower(b.String())

	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(combined, w) {
				return rule.category
			}
		}
	}
	return domain.CategoryDump
}

// VisibleText returns the text nodes of rawHTML joined by single spaces,
// skipping script, style and comments.
func VisibleText(rawHTML string) string {
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	var (
		b     strings.Builder
		depth int
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			if isHidden(z) {
				depth++
			}
		case html.EndTagToken:
			if isHidden(z) && depth > 0 {
				depth--
			}
		case html.TextToken:
			if depth > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	a := atom.Lookup(name)
	return a == atom.Script || a == atom.Style
}
