package model

import "time"

// ResultExport is the top-level JSON structure for attempt result export.
type ResultExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Results    []AttemptResult `json:"results"`
}

// AttemptResult holds one finished attempt's data for export.
type AttemptResult struct {
	AttemptID       string           `json:"attempt_id"`
	StudentUsername string           `json:"student_username"`
	StudentName     string           `json:"student_name"`
	AssessmentTitle string           `json:"assessment_title"`
	AttemptNumber   int              `json:"attempt_number"`
	Status          AttemptStatus    `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Score           float64          `json:"score"`
	TotalMarks      float64          `json:"total_marks"`
	Questions       []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Order              int          `json:"order"`
	Type               QuestionType `json:"type"`
	Text               string       `json:"text"`
	CorrectAnswer      string       `json:"correct_answer"`
	AnswerText         string       `json:"answer_text"`
	ScoreAwarded       float64      `json:"score_awarded"`
	NeedsManualGrading bool         `json:"needs_manual_grading"`
	ManuallyGraded     bool         `json:"manually_graded"`
}
