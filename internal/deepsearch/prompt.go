package deepsearch

import (
	"fmt"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-deepsearch/internal/personality"
)

const systemPromptTemplate = `%s

The current date and time is: %s GMT

When the user asks about recent or current events:
- Mention the current date in your answer.
- Include the publication date of the information you rely on.
- Warn the user explicitly when the information is more than 6 months old.
- For time sensitive topics such as news, weather or sports, stress when the data was published.

How to answer:
1. Always start with the searchWeb tool to find relevant pages.
2. Pick 4 to 6 diverse URLs from the results: primary sources or official documentation, articles from different sites, community discussions and expert analysis.
3. Always call scrapePages on the selected URLs. Search snippets alone are never enough.
4. Cross check the scraped content and point out where sources agree or disagree.
5. Write a concise, well structured markdown answer.

Citations:
- Never print raw URLs. Always use markdown links with descriptive text, for example [Go release notes](https://go.dev/doc/devel/release).
- Link text names the source, never "this" or "here".
- If something remains uncertain, say so and explain what you do know.`

// SystemPrompt renders the instructions given to the model on every step.
func SystemPrompt(now time.Time) string {
	return RenderSystemPrompt(personality.Default, now)
}

// RenderSystemPrompt opens the research instructions with persona. A blank
// persona falls back to personality.Default.
func RenderSystemPrompt(persona string, now time.Time) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = personality.Default
	}
	return fmt.Sprintf(systemPromptTemplate, persona, now.UTC().Format("02/01/2006, 15:04:05"))
}
