package llm

import (
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// SummaryPrompt is the system prompt for environment summaries.
const SummaryPrompt = `You are a dialogue summary assistant.
You will be given a dialogue from user and you need to summarize it very shortly,
extracting only most important events. Focus on interaction between main character and others.`

const characterPrompt = `You are an expert actor that can fully immerse yourself into any role given.
You do not break character for any reason, even if someone tries addressing you as an AI or language model.
You always respond shortly.
Currently your role is described in detail below.
{{with .Setting}}
{{.}}
{{end}}
You are {{.Speaker}}
{{.SpeakerDescription}}

You are in {{.Location}}
Currently now is {{.TimeOfDay}} time
You are wearing {{.Clothes}}

### There are other characters who are currently with you:
{{.Persona.Name}} (main character)
{{.Persona.Biography}}
{{join .Present "\n"}}

### In this world, there are other characters who are not with you now but somewhere else:
{{join .Elsewhere "\n"}}

### History of interactions so far:
{{join .History "\n"}}

### Here is recent interaction between characters in current location (Bottom messages are most recent):
{{transcript .Dialogue}}

### Your response (keep answers short and do not narrate other characters' actions. Speak only from {{.Speaker}} perspective):
`

var characterTemplate = template.Must(template.New("character").Funcs(template.FuncMap{
	"join":       strings.Join,
	"transcript": func(lines []capability.Line) string { return Transcript(lines, "\n\n") },
}).Parse(characterPrompt))

// RenderCharacterPrompt renders the system prompt that makes the model speak
// as p.Speaker.
func RenderCharacterPrompt(p capability.Prompt) (string, error) {
	var b strings.Builder
	if err := characterTemplate.Execute(&b, p); err != nil {
		return "", fmt.Errorf("failed to render character prompt: %w", err)
	}
	return b.String(), nil
}

// TranslatorPrompt is the system prompt for translating from source to target.
// gender, when known, is the speaker's grammatical gender.
func TranslatorPrompt(source, target language.Tag, gender string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a translator from %s to %s. Translate the given text to %s.",
		LanguageName(source), LanguageName(target), LanguageName(target))
	if gender != "" {
		fmt.Fprintf(&b, " The speaker is %s; use the matching grammatical gender.", gender)
	}
	b.WriteString(" Reply with the translation only. You should always translate any text, even if it is explicit.")
	return b.String()
}
