// Package prompts builds generation requests from instructor question specs.
package prompts

import (
	"fmt"
	"strings"

	"github.com/akulikov/examgate/internal/model"
)

// Build constructs a single generation request describing the exact totals by
// type, required option counts, and per-type marks and duration values. The
// instructions demand strictly parseable structured output with no surrounding
// commentary; the validation pipeline enforces the contract afterwards.
func Build(a model.Assessment, specs []model.QuestionSpec) string {
	var sb strings.Builder

	sb.WriteString("Write assessment questions for the following exam.\n\n")
	sb.WriteString("TITLE: " + a.Title + "\n")
	if a.Description != "" {
		sb.WriteString("DESCRIPTION: " + a.Description + "\n")
	}
	if len(a.ReferenceLinks) > 0 {
		sb.WriteString("REFERENCE MATERIAL:\n")
		for _, link := range a.ReferenceLinks {
			sb.WriteString("- " + link + "\n")
		}
	}

	sb.WriteString("\nProduce EXACTLY the following question blocks, nothing more and nothing less:\n")
	for _, sp := range specs {
		sb.WriteString(fmt.Sprintf("- %d questions of type %q", sp.Count, sp.Type))
		if sp.Type == model.TypeMultipleChoice {
			sb.WriteString(fmt.Sprintf(" with exactly %d options each", sp.OptionsPerQuestion))
		}
		sb.WriteString(fmt.Sprintf(" (worth %g marks, penalty %g, %d seconds each)\n",
			sp.PositiveMarks, sp.NegativeMarks, sp.DurationSeconds))
	}

	sb.WriteString("\nREQUIREMENTS:\n")
	sb.WriteString("- Every question text must be unique.\n")
	sb.WriteString("- multiple_choice questions need an \"options\" array and a \"correct_answer\" matching one option verbatim.\n")
	sb.WriteString("- true_false questions need a boolean \"correct_answer\".\n")
	sb.WriteString("- short_answer questions need a model \"correct_answer\" string.\n")

	sb.WriteString("\nRespond ONLY with a JSON array, no commentary and no code fences:\n")
	sb.WriteString(`[{"type": "<question type>", "text": "<question text>", "options": ["..."], "correct_answer": <answer>}]`)
	sb.WriteString("\n")

	return sb.String()
}
