package attempt

import (
	"strings"

	"github.com/akulikov/examgate/internal/model"
)

// scoreAnswers computes per-answer scores against the attempt's frozen
// question set and returns the aggregate. The aggregate is always a fresh sum
// over the full answer set, never an incremental update, so re-scoring after a
// manual override is a pure recomputation.
func scoreAnswers(questions []model.GeneratedQuestion, answers []model.Answer, floor float64) (scored []model.Answer, total float64) {
	byOrder := make(map[int]model.GeneratedQuestion, len(questions))
	for _, q := range questions {
		byOrder[q.Order] = q
	}

	for _, a := range answers {
		q, ok := byOrder[a.QuestionOrder]
		if !ok {
			// Answer for a question that no longer exists; scores zero.
			a.ScoreAwarded = 0
			a.NeedsManualGrading = false
			scored = append(scored, a)
			continue
		}

		switch {
		case strings.TrimSpace(a.AnswerText) == "":
			// Unanswered questions score zero and are never penalized.
			a.ScoreAwarded = 0
			a.NeedsManualGrading = false
		case !q.Type.Objective():
			// Manual grading overrides survive re-scoring untouched.
			if !a.ManuallyGraded {
				a.ScoreAwarded = 0
			}
			a.NeedsManualGrading = !a.ManuallyGraded
		case answerMatches(q, a.AnswerText):
			a.ScoreAwarded = q.PositiveMarks
			a.NeedsManualGrading = false
		default:
			a.ScoreAwarded = penalty(q.NegativeMarks, floor)
			a.NeedsManualGrading = false
		}

		total += a.ScoreAwarded
		scored = append(scored, a)
	}
	return scored, total
}

// answerMatches checks an objective answer: exact and case-sensitive for
// option text, boolean-normalized for true/false.
func answerMatches(q model.GeneratedQuestion, answer string) bool {
	if q.Type == model.TypeTrueFalse {
		return strings.ToLower(strings.TrimSpace(answer)) == q.CorrectAnswer
	}
	return answer == q.CorrectAnswer
}

// penalty applies negative marking without letting a single question's
// contribution drop below the configured floor.
func penalty(negativeMarks, floor float64) float64 {
	p := -negativeMarks
	if p < floor {
		return floor
	}
	return p
}
