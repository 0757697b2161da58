package store

import (
	"fmt"

	"github.com/akulikov/examgate/internal/model"
)

// ExportTerminalAttempts builds export-ready results from all submitted and
// expired attempts. Active attempts are skipped; their scores do not exist yet.
func (s *Store) ExportTerminalAttempts() ([]model.AttemptResult, error) {
	attempts, err := s.ListAttempts()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	var results []model.AttemptResult
	for _, att := range attempts {
		if !att.Status.Terminal() {
			continue
		}

		assessment, err := s.GetAssessment(att.AssessmentID)
		if err != nil {
			return nil, fmt.Errorf("get assessment %d: %w", att.AssessmentID, err)
		}
		user, err := s.GetUserByID(att.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", att.StudentID, err)
		}
		questions, err := s.ListQuestions(att.ID)
		if err != nil {
			return nil, fmt.Errorf("list questions for %s: %w", att.ID, err)
		}
		answers, err := s.ListAnswers(att.ID)
		if err != nil {
			return nil, fmt.Errorf("list answers for %s: %w", att.ID, err)
		}

		answerByOrder := make(map[int]model.Answer, len(answers))
		for _, a := range answers {
			answerByOrder[a.QuestionOrder] = a
		}

		var totalMarks float64
		var qResults []model.QuestionResult
		for _, q := range questions {
			totalMarks += q.PositiveMarks
			qr := model.QuestionResult{
				Order:         q.Order,
				Type:          q.Type,
				Text:          q.Text,
				CorrectAnswer: q.CorrectAnswer,
			}
			if a, ok := answerByOrder[q.Order]; ok {
				qr.AnswerText = a.AnswerText
				qr.ScoreAwarded = a.ScoreAwarded
				qr.NeedsManualGrading = a.NeedsManualGrading
				qr.ManuallyGraded = a.ManuallyGraded
			}
			qResults = append(qResults, qr)
		}

		var username, displayName string
		if user != nil {
			username = user.Username
			displayName = user.DisplayName
		}
		var score float64
		if att.Score != nil {
			score = *att.Score
		}

		results = append(results, model.AttemptResult{
			AttemptID:       att.ID,
			StudentUsername: username,
			StudentName:     displayName,
			AssessmentTitle: assessment.Title,
			AttemptNumber:   att.AttemptNumber,
			Status:          att.Status,
			StartedAt:       att.StartedAt,
			CompletedAt:     att.CompletedAt,
			Score:           score,
			TotalMarks:      totalMarks,
			Questions:       qResults,
		})
	}

	return results, nil
}
