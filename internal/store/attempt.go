package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akulikov/examgate/internal/model"
)

// CreateAttempt inserts a new attempt record. The unique partial index on
// (student_id, assessment_id) WHERE status='active' makes a concurrent
// duplicate start fail here rather than produce two active attempts.
func (s *Store) CreateAttempt(a model.Attempt) error {
	_, err := s.db.Exec(
		`INSERT INTO attempts (id, student_id, assessment_id, attempt_number, status, started_at, end_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StudentID, a.AssessmentID, a.AttemptNumber, a.Status, a.StartedAt, a.EndAt, a.LastActivity,
	)
	return err
}

// GetAttempt returns an attempt by ID, or nil if it does not exist.
func (s *Store) GetAttempt(id string) (*model.Attempt, error) {
	var a model.Attempt
	err := s.db.QueryRow(
		`SELECT id, student_id, assessment_id, attempt_number, status, started_at, end_at, last_activity, completed_at, score
		 FROM attempts WHERE id = ?`, id,
	).Scan(&a.ID, &a.StudentID, &a.AssessmentID, &a.AttemptNumber, &a.Status,
		&a.StartedAt, &a.EndAt, &a.LastActivity, &a.CompletedAt, &a.Score)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveAttempt returns the single active attempt for a (student, assessment)
// pair, or nil when none exists.
func (s *Store) ActiveAttempt(studentID, assessmentID int64) (*model.Attempt, error) {
	var a model.Attempt
	err := s.db.QueryRow(
		`SELECT id, student_id, assessment_id, attempt_number, status, started_at, end_at, last_activity, completed_at, score
		 FROM attempts WHERE student_id = ? AND assessment_id = ? AND status = 'active'`,
		studentID, assessmentID,
	).Scan(&a.ID, &a.StudentID, &a.AssessmentID, &a.AttemptNumber, &a.Status,
		&a.StartedAt, &a.EndAt, &a.LastActivity, &a.CompletedAt, &a.Score)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// NextAttemptNumber returns the attempt number to use for a new attempt.
func (s *Store) NextAttemptNumber(studentID, assessmentID int64) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(attempt_number) FROM attempts WHERE student_id = ? AND assessment_id = ?`,
		studentID, assessmentID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// TouchAttempt updates the last-activity timestamp of an attempt.
func (s *Store) TouchAttempt(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE attempts SET last_activity = ? WHERE id = ?`, at, id)
	return err
}

// FinalizeAttempt moves an active attempt into a terminal state, stamping the
// completion time and score. The transition is a single conditional UPDATE so
// two racing finalizations (explicit submit vs lazy expiry) cannot both win;
// it returns false when the attempt was no longer active.
func (s *Store) FinalizeAttempt(id string, status model.AttemptStatus, completedAt time.Time, score float64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE attempts SET status = ?, completed_at = ?, score = ? WHERE id = ? AND status = 'active'`,
		status, completedAt, score, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAttemptScore overwrites the aggregate score of a terminal attempt.
// Used after a manual-grading override triggers a full re-score.
func (s *Store) SetAttemptScore(id string, score float64) error {
	_, err := s.db.Exec(`UPDATE attempts SET score = ? WHERE id = ? AND status != 'active'`, score, id)
	return err
}

// ReplaceQuestions persists an attempt's generated question set, discarding any
// previous set for the same attempt. Re-invocation is safe.
func (s *Store) ReplaceQuestions(attemptID string, questions []model.GeneratedQuestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM generated_questions WHERE attempt_id = ?`, attemptID); err != nil {
		return err
	}
	for _, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO generated_questions (attempt_id, question_order, type, text, options, correct_answer, positive_marks, negative_marks, duration_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attemptID, q.Order, q.Type, q.Text, string(opts), q.CorrectAnswer,
			q.PositiveMarks, q.NegativeMarks, q.DurationSeconds,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListQuestions returns an attempt's frozen question set in order.
func (s *Store) ListQuestions(attemptID string) ([]model.GeneratedQuestion, error) {
	rows, err := s.db.Query(
		`SELECT attempt_id, question_order, type, text, options, correct_answer, positive_marks, negative_marks, duration_seconds
		 FROM generated_questions WHERE attempt_id = ? ORDER BY question_order`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.GeneratedQuestion
	for rows.Next() {
		var q model.GeneratedQuestion
		var opts string
		if err := rows.Scan(&q.AttemptID, &q.Order, &q.Type, &q.Text, &opts, &q.CorrectAnswer,
			&q.PositiveMarks, &q.NegativeMarks, &q.DurationSeconds); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// UpsertAnswer writes an answer keyed by question order. The last accepted
// write for a given order is authoritative. The write is conditional on the
// attempt still being active in the same statement, so a save racing a
// finalization cannot land on a terminal attempt; it returns false when the
// attempt was no longer active.
func (s *Store) UpsertAnswer(a model.Answer) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO answers (attempt_id, question_order, answer_text, updated_at)
		 SELECT ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM attempts WHERE id = ? AND status = 'active')
		 ON CONFLICT(attempt_id, question_order) DO UPDATE SET answer_text = excluded.answer_text, updated_at = excluded.updated_at`,
		a.AttemptID, a.QuestionOrder, a.AnswerText, a.UpdatedAt, a.AttemptID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListAnswers returns all answers for an attempt ordered by question order.
func (s *Store) ListAnswers(attemptID string) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT attempt_id, question_order, answer_text, score_awarded, needs_manual_grading, manually_graded, updated_at
		 FROM answers WHERE attempt_id = ? ORDER BY question_order`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.AttemptID, &a.QuestionOrder, &a.AnswerText, &a.ScoreAwarded,
			&a.NeedsManualGrading, &a.ManuallyGraded, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SetAnswerScores stamps per-answer scoring results produced by the scorer.
func (s *Store) SetAnswerScores(attemptID string, answers []model.Answer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range answers {
		_, err := tx.Exec(
			`UPDATE answers SET score_awarded = ?, needs_manual_grading = ? WHERE attempt_id = ? AND question_order = ?`,
			a.ScoreAwarded, a.NeedsManualGrading, attemptID, a.QuestionOrder,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OverrideAnswerScore sets a manually graded score on one answer of a terminal
// attempt. Returns false when no such answer exists.
func (s *Store) OverrideAnswerScore(attemptID string, questionOrder int, score float64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE answers SET score_awarded = ?, manually_graded = 1 WHERE attempt_id = ? AND question_order = ?`,
		score, attemptID, questionOrder,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListAttempts returns all attempts, newest first.
func (s *Store) ListAttempts() ([]model.Attempt, error) {
	rows, err := s.db.Query(
		`SELECT id, student_id, assessment_id, attempt_number, status, started_at, end_at, last_activity, completed_at, score
		 FROM attempts ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.StudentID, &a.AssessmentID, &a.AttemptNumber, &a.Status,
			&a.StartedAt, &a.EndAt, &a.LastActivity, &a.CompletedAt, &a.Score); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
