package generation

import (
	"fmt"
	"strings"

	"github.com/studyprep/mcqgen/internal/model"
)

// BuildPrompt assembles the batch prompt: study-material context, difficulty,
// and strict formatting instructions for exactly count questions.
func BuildPrompt(subject string, difficulty model.Difficulty, count int, contextBlob string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Generate exactly %d multiple-choice questions about %s.\n\n", count, subject))

	if contextBlob != "" {
		sb.WriteString("Base every question on the following study material:\n\n")
		sb.WriteString(contextBlob)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("No study material is available; use well-established facts about the subject.\n\n")
	}

	if difficulty != "" {
		sb.WriteString(fmt.Sprintf("Difficulty level: %s\n\n", difficulty))
	}

	sb.WriteString("Requirements:\n")
	sb.WriteString("- Each question has exactly 4 options.\n")
	sb.WriteString("- Exactly one option is correct.\n")
	sb.WriteString("- The correct_answer field must repeat the correct option's text verbatim.\n")
	sb.WriteString("- Include a one-sentence explanation for the correct answer.\n")
	sb.WriteString("- Do not reuse a question or its answer text within the batch.\n\n")

	sb.WriteString("Respond ONLY with a JSON array of objects in this form:\n")
	sb.WriteString(`[{"question": "<question text>", "options": ["<option 1>", "<option 2>", "<option 3>", "<option 4>"], "correct_answer": "<correct option text verbatim>", "explanation": "<why>"}]`)
	sb.WriteString("\n")

	return sb.String()
}
