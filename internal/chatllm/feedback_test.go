package chatllm

import "testing"

func TestExtractBalancedJSONFindsFirstSpan(t *testing.T) {
	raw := `Sure thing! Here's my analysis: {"analysis":"looks fine","recommendations":["add retries"],"feedbackAcknowledgment":"noted"} Let me know if you need more.`
	span := extractBalancedJSON(raw)
	if span == "" {
		t.Fatal("expected a balanced JSON span")
	}
	resp := parseFeedbackResponse(raw)
	if resp.Analysis != "looks fine" {
		t.Fatalf("unexpected analysis: %q", resp.Analysis)
	}
	if len(resp.Recommendations) != 1 || resp.Recommendations[0] != "add retries" {
		t.Fatalf("unexpected recommendations: %+v", resp.Recommendations)
	}
	if resp.FeedbackAcknowledgment != "noted" {
		t.Fatalf("unexpected acknowledgment: %q", resp.FeedbackAcknowledgment)
	}
}

func TestExtractBalancedJSONIgnoresBracesInsideStrings(t *testing.T) {
	raw := `{"analysis":"the config had a stray } character in it","recommendations":[],"feedbackAcknowledgment":"ok"}`
	span := extractBalancedJSON(raw)
	if span != raw {
		t.Fatalf("expected the whole object, got %q", span)
	}
}

func TestParseFeedbackResponseFallsBackOnNonJSON(t *testing.T) {
	raw := "I couldn't find any structured output here, just plain text."
	resp := parseFeedbackResponse(raw)
	if resp.Analysis != raw {
		t.Fatalf("expected raw text fallback, got %q", resp.Analysis)
	}
	if len(resp.Recommendations) != 0 {
		t.Fatalf("expected empty recommendations, got %+v", resp.Recommendations)
	}
}
