package progress

import (
	"testing"

	"assessment/api/internal/store"
)

func response(questionID int64, complete, skipped bool) store.QuestionResponse {
	return store.QuestionResponse{QuestionID: questionID, IsComplete: complete, IsSkipped: skipped}
}

func TestCalculateBoundaries(t *testing.T) {
	required := []int64{1, 2, 3, 4}
	cases := []struct {
		name      string
		responses []store.QuestionResponse
		want      int
	}{
		{name: "none answered", want: 0},
		{name: "two complete", responses: []store.QuestionResponse{response(1, true, false), response(2, true, false)}, want: 50},
		{name: "three complete or skipped", responses: []store.QuestionResponse{response(1, true, false), response(2, true, false), response(3, false, true)}, want: 75},
		{name: "all complete or skipped", responses: []store.QuestionResponse{response(1, true, false), response(2, false, true), response(3, true, false), response(4, false, true)}, want: 100},
		{name: "drafts do not count", responses: []store.QuestionResponse{response(1, false, false), response(2, false, false)}, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(required, tc.responses)
			if got.ProgressPercentage != tc.want {
				t.Fatalf("expected %d%%, got %d%% (%+v)", tc.want, got.ProgressPercentage, got)
			}
			if got.TotalQuestions != 4 {
				t.Fatalf("expected 4 required questions, got %d", got.TotalQuestions)
			}
		})
	}
}

func TestNonRequiredQuestionsNeverChangeProgress(t *testing.T) {
	required := []int64{1, 2, 3, 4}
	base := []store.QuestionResponse{response(1, true, false), response(2, true, false)}
	withOptional := append(append([]store.QuestionResponse(nil), base...), response(50, true, false), response(51, false, true))

	if Calculate(required, base) != Calculate(required, withOptional) {
		t.Fatalf("optional responses changed progress: %+v vs %+v", Calculate(required, base), Calculate(required, withOptional))
	}
}

func TestNoRequiredQuestionsIsZero(t *testing.T) {
	got := Calculate(nil, []store.QuestionResponse{response(1, true, false)})
	if got.ProgressPercentage != 0 || got.TotalQuestions != 0 {
		t.Fatalf("expected zero progress, got %+v", got)
	}
}

func TestPercentageRoundsHalfUp(t *testing.T) {
	cases := []struct{ done, total, want int }{
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{1, 200, 1},
		{1, 201, 0},
		{5, 5, 100},
	}
	for _, tc := range cases {
		if got := Percentage(tc.done, tc.total); got != tc.want {
			t.Fatalf("Percentage(%d, %d) = %d, want %d", tc.done, tc.total, got, tc.want)
		}
	}
}

// A response flagged both complete and skipped stays in both raw tallies
// but resolves only its own question.
func TestCompleteAndSkippedResponseResolvesOneQuestion(t *testing.T) {
	required := []int64{1, 2, 3, 4}
	got := Calculate(required, []store.QuestionResponse{response(1, true, true)})
	if got.AnsweredQuestions != 1 || got.SkippedQuestions != 1 {
		t.Fatalf("expected the response in both tallies, got %+v", got)
	}
	if got.ResolvedQuestions != 1 || got.ProgressPercentage != 25 {
		t.Fatalf("expected one resolved question at 25%%, got %+v", got)
	}
	if got.Complete() {
		t.Fatalf("one doubly-flagged response must not complete four questions")
	}

	two := Calculate([]int64{1, 2}, []store.QuestionResponse{response(1, true, true)})
	if two.Complete() || two.ProgressPercentage != 50 {
		t.Fatalf("expected 50%% and incomplete with question 2 unanswered, got %+v", two)
	}

	all := Calculate(required, []store.QuestionResponse{
		response(1, true, true), response(2, true, true), response(3, true, true), response(4, true, true),
	})
	if !all.Complete() || all.ProgressPercentage != 100 {
		t.Fatalf("expected complete at 100%%, got %+v", all)
	}
}
