// Package progress derives a session's completion percentage from its
// responses and the group's required questions.
package progress

import "assessment/api/internal/store"

// Progress reports raw answered and skipped tallies. ResolvedQuestions counts
// distinct required questions that are complete or skipped; the percentage
// and Complete use it, so one response never stands in for two questions.
type Progress struct {
	TotalQuestions     int `json:"totalQuestions"`
	AnsweredQuestions  int `json:"answeredQuestions"`
	SkippedQuestions   int `json:"skippedQuestions"`
	ResolvedQuestions  int `json:"resolvedQuestions"`
	ProgressPercentage int `json:"progressPercentage"`
}

// Complete reports whether every required question is answered or skipped.
func (p Progress) Complete() bool {
	return p.ResolvedQuestions >= p.TotalQuestions
}

// Calculate counts complete and skipped responses among the required
// question ids. A response that is both complete and skipped counts in both
// raw tallies but resolves its question once.
func Calculate(required []int64, responses []store.QuestionResponse) Progress {
	requiredSet := make(map[int64]struct{}, len(required))
	for _, questionID := range required {
		requiredSet[questionID] = struct{}{}
	}

	result := Progress{TotalQuestions: len(requiredSet)}
	resolved := make(map[int64]struct{}, len(requiredSet))
	for _, response := range responses {
		if _, ok := requiredSet[response.QuestionID]; !ok {
			continue
		}
		if response.IsComplete {
			result.AnsweredQuestions++
		}
		if response.IsSkipped {
			result.SkippedQuestions++
		}
		if response.IsComplete || response.IsSkipped {
			resolved[response.QuestionID] = struct{}{}
		}
	}
	result.ResolvedQuestions = len(resolved)
	result.ProgressPercentage = Percentage(result.ResolvedQuestions, result.TotalQuestions)
	return result
}

// Percentage is round-half-up of 100*done/total, 0 when total is 0.
func Percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := (200*done + total) / (2 * total)
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// Clamp bounds a caller-supplied percentage to [0, 100].
func Clamp(percentage int) int {
	if percentage < 0 {
		return 0
	}
	if percentage > 100 {
		return 100
	}
	return percentage
}
