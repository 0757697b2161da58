// Package pipeline turns instructor question specs into a validated,
// schema-correct question set. Generation faults are absorbed: whatever the
// external service does, the pipeline always hands back a set whose per-type
// counts, option counts, marks, and durations match the specs exactly.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/akulikov/examgate/internal/genai"
	"github.com/akulikov/examgate/internal/genai/prompts"
	"github.com/akulikov/examgate/internal/model"
)

const (
	// PlaceholderOption is the synthetic option text used in fallback
	// multiple-choice questions.
	PlaceholderOption = "Option placeholder"
	// PlaceholderAnswer is the synthetic correct answer for fallback questions
	// that are not true/false.
	PlaceholderAnswer = "Placeholder answer"
)

// ValidationError is the internal signal for structurally non-compliant
// generator output. It never crosses the pipeline boundary: the caller of
// Materialize only ever sees a compliant question set.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// Pipeline drives generation, validation, and deterministic repair.
type Pipeline struct {
	gen     genai.Generator
	timeout time.Duration
}

// New creates a pipeline around a generator. The timeout bounds each
// generation call; after it fires the fallback path is taken unconditionally.
func New(gen genai.Generator, timeout time.Duration) *Pipeline {
	return &Pipeline{gen: gen, timeout: timeout}
}

// Materialize produces the ordered question set for one attempt. It asks the
// external service once; any error, timeout, or contract violation degrades
// silently to the deterministic fallback set, so attempt creation is never
// blocked by a third-party outage. The caller must have verified specs is
// non-empty.
func (p *Pipeline) Materialize(ctx context.Context, attemptID string, a model.Assessment, specs []model.QuestionSpec) []model.GeneratedQuestion {
	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.gen.Generate(genCtx, prompts.Build(a, specs))
	if err != nil {
		slog.Warn("generation degraded, using fallback set", "attempt_id", attemptID, "error", err)
		return Fallback(attemptID, specs)
	}

	questions, err := parseAndValidate(raw, specs)
	if err != nil {
		slog.Warn("generated output rejected, using fallback set", "attempt_id", attemptID, "error", err)
		return Fallback(attemptID, specs)
	}

	for i := range questions {
		questions[i].AttemptID = attemptID
	}
	return questions
}

// Fallback synthesizes a compliant placeholder set from the specs alone.
// Given the same attempt ID and specs it always produces identical output.
// The text index counts per type across all spec blocks so texts stay unique
// when a type appears in more than one block.
func Fallback(attemptID string, specs []model.QuestionSpec) []model.GeneratedQuestion {
	var questions []model.GeneratedQuestion
	indexByType := make(map[model.QuestionType]int)
	order := 1
	for _, sp := range specs {
		for i := 1; i <= sp.Count; i++ {
			indexByType[sp.Type]++
			q := model.GeneratedQuestion{
				AttemptID:       attemptID,
				Order:           order,
				Type:            sp.Type,
				Text:            fmt.Sprintf("%s-%s-%d", attemptID, sp.Type, indexByType[sp.Type]),
				CorrectAnswer:   PlaceholderAnswer,
				PositiveMarks:   sp.PositiveMarks,
				NegativeMarks:   sp.NegativeMarks,
				DurationSeconds: sp.DurationSeconds,
			}
			if sp.Type == model.TypeMultipleChoice {
				opts := make([]string, sp.OptionsPerQuestion)
				for j := range opts {
					opts[j] = PlaceholderOption
				}
				q.Options = opts
			}
			if sp.Type == model.TypeTrueFalse {
				q.CorrectAnswer = "true"
			}
			questions = append(questions, q)
			order++
		}
	}
	return questions
}

// rawQuestion is the wire shape the generator is instructed to emit.
type rawQuestion struct {
	Type          model.QuestionType `json:"type"`
	Text          string             `json:"text"`
	Options       []string           `json:"options"`
	CorrectAnswer json.RawMessage    `json:"correct_answer"`
}

// parseAndValidate runs the contract checks in order and fails on the first
// violated stage. Over-production alone is repaired by truncation; everything
// else aborts to the fallback path.
func parseAndValidate(raw string, specs []model.QuestionSpec) ([]model.GeneratedQuestion, error) {
	arr, ok := extractArray(raw)
	if !ok {
		return nil, &ValidationError{Errors: []string{"no top-level JSON array in response"}}
	}

	var items []rawQuestion
	if err := json.Unmarshal([]byte(arr), &items); err != nil {
		return nil, &ValidationError{Errors: []string{"unparseable response: " + err.Error()}}
	}

	specByType := make(map[model.QuestionType]model.QuestionSpec)
	wantByType := make(map[model.QuestionType]int)
	total := 0
	for _, sp := range specs {
		if _, seen := specByType[sp.Type]; !seen {
			specByType[sp.Type] = sp
		}
		wantByType[sp.Type] += sp.Count
		total += sp.Count
	}

	// Every item must use a requested type.
	var errs []string
	for i, it := range items {
		if _, ok := wantByType[it.Type]; !ok {
			errs = append(errs, fmt.Sprintf("item %d: unrequested type %q", i+1, it.Type))
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	// Truncate over-production rather than fail.
	if len(items) > total {
		items = items[:total]
	}

	// Required fields per type.
	answers := make([]string, len(items))
	for i, it := range items {
		prefix := fmt.Sprintf("item %d", i+1)
		if strings.TrimSpace(it.Text) == "" {
			errs = append(errs, prefix+": empty text")
		}
		answer, err := normalizeAnswer(it.CorrectAnswer, it.Type)
		if err != nil {
			errs = append(errs, prefix+": "+err.Error())
		}
		answers[i] = answer
		if it.Type == model.TypeMultipleChoice {
			want := specByType[it.Type].OptionsPerQuestion
			if len(it.Options) != want {
				errs = append(errs, fmt.Sprintf("%s: expected %d options, got %d", prefix, want, len(it.Options)))
			}
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	// Question text must be unique across the whole set.
	seen := make(map[string]int)
	for i, it := range items {
		if first, dup := seen[it.Text]; dup {
			errs = append(errs, fmt.Sprintf("item %d duplicates text of item %d", i+1, first+1))
			continue
		}
		seen[it.Text] = i
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	// Per-type counts must match the request exactly.
	gotByType := make(map[model.QuestionType]int)
	for _, it := range items {
		gotByType[it.Type]++
	}
	for typ, want := range wantByType {
		if gotByType[typ] != want {
			errs = append(errs, fmt.Sprintf("type %s: requested %d, got %d", typ, want, gotByType[typ]))
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return assemble(items, answers, specs), nil
}

// assemble orders validated items by spec block, stamping the spec's exact
// marks and duration onto each question. Items keep their produced order
// within a type.
func assemble(items []rawQuestion, answers []string, specs []model.QuestionSpec) []model.GeneratedQuestion {
	byType := make(map[model.QuestionType][]int)
	for i, it := range items {
		byType[it.Type] = append(byType[it.Type], i)
	}

	var questions []model.GeneratedQuestion
	order := 1
	for _, sp := range specs {
		idxs := byType[sp.Type]
		take := idxs[:sp.Count]
		byType[sp.Type] = idxs[sp.Count:]
		for _, i := range take {
			questions = append(questions, model.GeneratedQuestion{
				Order:           order,
				Type:            items[i].Type,
				Text:            items[i].Text,
				Options:         items[i].Options,
				CorrectAnswer:   answers[i],
				PositiveMarks:   sp.PositiveMarks,
				NegativeMarks:   sp.NegativeMarks,
				DurationSeconds: sp.DurationSeconds,
			})
			order++
		}
	}
	return questions
}

// normalizeAnswer decodes a correct_answer value, boolean-normalizing
// true/false answers to the strings "true" and "false".
func normalizeAnswer(raw json.RawMessage, typ model.QuestionType) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing correct_answer")
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if typ != model.TypeTrueFalse {
			return "", fmt.Errorf("boolean correct_answer on %s question", typ)
		}
		return fmt.Sprintf("%t", b), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("malformed correct_answer")
	}
	if typ == model.TypeTrueFalse {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return "true", nil
		case "false":
			return "false", nil
		default:
			return "", fmt.Errorf("non-boolean correct_answer %q on true_false question", s)
		}
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("empty correct_answer")
	}
	return s, nil
}

// extractArray returns the first top-level JSON array in s, tolerating
// surrounding prose or code fences the generator was told not to emit.
func extractArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
