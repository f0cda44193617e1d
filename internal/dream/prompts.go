package dream

import "fmt"

// Interpretation section headings, in the order the model is asked to use.
const (
	SectionTheme          = "Core Emotional Theme"
	SectionSymbols        = "Key Symbols & Archetypes"
	SectionInterpretation = "Potential Interpretation"
)

func imagePromptRequest(dream string) string {
	return fmt.Sprintf(`You help an artist by writing prompts for a surrealist image model. `+
		`Turn the dream below into one concise, vivid prompt that captures its emotional tone, `+
		`its central symbols and its strangest juxtapositions. Reply with the prompt text only, no explanation.

Dream: %q`, dream)
}

func interpretationRequest(dream string) string {
	return fmt.Sprintf(`You are an experienced analyst of dreams in the Jungian tradition. `+
		`Write a structured, accessible analysis of the dream below in Markdown using exactly these sections:

### %s
The dominant feeling of the dream in one or two sentences.

### %s
The important symbols and the archetypes they may stand for, such as the Shadow, the Anima or Animus, or the Wise Old Man.

### %s
How the symbols and themes might connect to the dreamer's waking life or inner world.

Dream: %q`, SectionTheme, SectionSymbols, SectionInterpretation, dream)
}

func chatSystemPrompt(dream string) string {
	return fmt.Sprintf(`You continue a conversation about a dream the user has already had interpreted. `+
		`Answer follow-up questions about particular symbols, feelings or moments of the dream. `+
		`Treat the dream transcript as your primary context and draw on Jungian psychology where it helps.

Dream: %q`, dream)
}
