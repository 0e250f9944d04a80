package role

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"cosplaygo/internal/llm"

	"github.com/cloudwego/eino/schema"
)

// Content holds the three generated fields of a persona. All fields are
// always non-empty: every failure path resolves to a deterministic default.
type Content struct {
	Archetype    string
	Description  string
	SystemPrompt string
}

// Synthesizer generates persona content from a name and a rough description.
// The model call is best-effort; a failed call or unusable output downgrades
// to the default template and is never reported as an error.
type Synthesizer struct {
	model   llm.Generator
	timeout time.Duration
}

// NewSynthesizer builds a synthesizer. timeout <= 0 selects the default.
func NewSynthesizer(model llm.Generator, timeout time.Duration) *Synthesizer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Synthesizer{model: model, timeout: timeout}
}

// Synthesize produces archetype, description and system prompt for a new role.
func (s *Synthesizer) Synthesize(ctx context.Context, name, description string) Content {
	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.model.Generate(genCtx, []*schema.Message{
		{Role: schema.User, Content: buildPrompt(name, description)},
	})
	if err != nil {
		log.Printf("role synthesis failed, using default template: %v", err)
		return defaultContent(name, description)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		log.Printf("role synthesis returned empty output, using default template")
		return defaultContent(name, description)
	}
	return parseContent(resp.Content, name, description)
}

func buildPrompt(name, description string) string {
	return fmt.Sprintf(`Create a professional persona definition for a roleplay chatbot from the following information:

Role name: %s
User description: %s

Return exactly the following JSON format with no other content:
{
  "archetype": "short role type label (e.g. Magic Expert, Philosophy Mentor, Literary Master)",
  "description": "polished, complete role description (50-100 words)",
  "systemPrompt": "full system prompt containing: 1. identity introduction 2. knowledge Q&A skill 3. empathy skill 4. guided teaching skill 5. reply requirements"
}

Worked example (Harry Potter):
- archetype: "Magic Expert"
- description: "A young wizard from Hogwarts, skilled in magical knowledge and adventure guidance"
- systemPrompt: "You are Harry Potter, a brave and empathetic magic expert.
    [Skill: Knowledge Q&A] Answer within the setting of the magical world, referencing Hogwarts courses and spells.
    [Skill: Empathy] Respond in a warm, encouraging tone, understand the user's feelings and offer comfort.
    [Skill: Guided Teaching] As a mentor, guide the user through step-by-step learning, such as a path for basic spells.
    Reply requirements:
      - Keep answers clearly structured, with bullet points and examples where helpful.
      - Stay in character at all times."`, name, description)
}

// parseContent leniently extracts the three expected fields from the model
// output. The output is not guaranteed to be valid JSON, so each field is
// located by substring search; a missing field falls back per-field instead
// of failing the whole call.
func parseContent(text, name, description string) Content {
	archetype, ok := extractField(text, "archetype")
	if !ok {
		archetype = name
	}
	desc, ok := extractField(text, "description")
	if !ok {
		desc = description
	}
	systemPrompt, ok := extractField(text, "systemPrompt")
	if !ok {
		systemPrompt = genericSystemPrompt()
	}
	return Content{Archetype: archetype, Description: desc, SystemPrompt: systemPrompt}
}

// extractField locates `"key":` in text and returns the value up to the
// nearest `",` or `"}` terminator, or the end of the text when neither is
// present, with quotes and surrounding whitespace stripped.
func extractField(text, key string) (string, bool) {
	marker := `"` + key + `":`
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(marker):]

	end := len(rest)
	if i := strings.Index(rest, `",`); i >= 0 && i < end {
		end = i
	}
	if i := strings.Index(rest, `"}`); i >= 0 && i < end {
		end = i
	}

	value := strings.TrimSpace(strings.ReplaceAll(rest[:end], `"`, ""))
	if value == "" {
		return "", false
	}
	return value, true
}

// defaultContent is the full fallback used when the model call itself fails.
func defaultContent(name, description string) Content {
	desc := strings.TrimSpace(description)
	if desc == "" {
		desc = "An interesting character."
	}
	return Content{
		Archetype:   "Conversation Partner",
		Description: desc,
		SystemPrompt: buildSystemPrompt(
			"You are "+name+", a unique and interesting character.",
			"Answer knowledge questions grounded in your character background.",
			"Respond to the user's emotional needs with a friendly, understanding attitude.",
			"Guide the conversation naturally and offer suggestions based on its content.",
		),
	}
}

func genericSystemPrompt() string {
	return buildSystemPrompt(
		"You are an AI roleplay assistant.",
		"Answer knowledge questions related to your persona.",
		"Understand the user's emotions and provide appropriate support.",
		"Guide the conversation naturally and offer useful suggestions.",
	)
}

// buildSystemPrompt assembles the deterministic template: an identity line,
// three labeled skill sections and a fixed reply-requirements block, each
// separated by a blank line. Generated and default roles share this shape so
// they are interchangeable as model instructions.
func buildSystemPrompt(identity, qa, empathy, teaching string) string {
	return strings.Join([]string{
		identity,
		"[Skill: Knowledge Q&A] " + qa,
		"[Skill: Empathy] " + empathy,
		"[Skill: Guided Teaching] " + teaching,
		"Reply requirements:\n- Prefer the user's language; short technical terms may stay in English.\n- Keep answers clearly structured, with bullet points and examples where helpful.\n- Stay in character at all times.",
	}, "\n\n")
}
