package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
)

type fakeStore struct {
	templates []*domain.RecordingTemplate
	usedCalls map[int64]int
}

func (f *fakeStore) ListCandidateTemplates(ctx context.Context, userID string) ([]*domain.RecordingTemplate, error) {
	return f.templates, nil
}

func (f *fakeStore) RecordTemplateUsage(ctx context.Context, id int64, at time.Time) error {
	if f.usedCalls == nil {
		f.usedCalls = map[int64]int{}
	}
	f.usedCalls[id]++
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestMatch_PatternWins(t *testing.T) {
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 1, MatchingRules: domain.MatchingRules{Patterns: []string{"^Python.*"}}},
		{ID: 2, MatchingRules: domain.MatchingRules{Keywords: []string{"lecture"}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Match(context.Background(), "u1", Candidate{DisplayName: "Python Lecture 1"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 1 {
		t.Fatalf("expected template 1 (ranked first) to win, got %+v", got)
	}
	if fs.usedCalls[1] != 1 {
		t.Errorf("expected usage recorded once for template 1, got %d", fs.usedCalls[1])
	}
}

func TestMatch_NoRuleMatches(t *testing.T) {
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 1, MatchingRules: domain.MatchingRules{ExactMatches: []string{"Standup"}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Match(context.Background(), "u1", Candidate{DisplayName: "Unrelated Meeting"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestMatch_ExactIsCaseInsensitive(t *testing.T) {
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 5, MatchingRules: domain.MatchingRules{ExactMatches: []string{"Weekly Standup"}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Match(context.Background(), "u1", Candidate{DisplayName: "weekly standup"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 5 {
		t.Fatalf("expected case-insensitive exact match, got %+v", got)
	}
}

func TestMatch_SourceIDMembership(t *testing.T) {
	sid := int64(42)
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 9, MatchingRules: domain.MatchingRules{SourceIDs: []int64{42, 43}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Match(context.Background(), "u1", Candidate{DisplayName: "anything", InputSourceID: &sid})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 9 {
		t.Fatalf("expected source_id match, got %+v", got)
	}
}

func TestMatch_InvalidPatternSkipped(t *testing.T) {
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 1, MatchingRules: domain.MatchingRules{Patterns: []string{"("}}}, // invalid regex
		{ID: 2, MatchingRules: domain.MatchingRules{Keywords: []string{"lecture"}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Match(context.Background(), "u1", Candidate{DisplayName: "Python Lecture 1"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || got.ID != 2 {
		t.Fatalf("expected template 2 to win after template 1's pattern fails to compile, got %+v", got)
	}
}

func TestPreview_DoesNotRecordUsage(t *testing.T) {
	fs := &fakeStore{templates: []*domain.RecordingTemplate{
		{ID: 1, MatchingRules: domain.MatchingRules{Keywords: []string{"lecture"}}},
	}}
	m := New(fs, fixedClock{time.Now()})

	got, err := m.Preview(context.Background(), "u1", Candidate{DisplayName: "Python Lecture 1"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if got == nil || got.ID != 1 {
		t.Fatalf("expected template 1 to match, got %+v", got)
	}
	if fs.usedCalls[1] != 0 {
		t.Errorf("expected Preview not to record usage, got %d calls", fs.usedCalls[1])
	}
}

func TestApply_DeepMergeAndVerbatimOutput(t *testing.T) {
	existing := domain.RawConfig{"transcription": map[string]interface{}{"enable": true, "language": "en"}}
	tmpl := &domain.RecordingTemplate{
		ProcessingConfig: domain.RawConfig{"transcription": map[string]interface{}{"language": "ru"}},
		OutputConfig:     domain.RawConfig{"preset_ids": []interface{}{float64(7)}, "auto_upload": true},
	}

	processing, output := Apply(existing, tmpl)

	trans, ok := processing["transcription"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected merged transcription map, got %T", processing["transcription"])
	}
	if trans["language"] != "ru" {
		t.Errorf("expected override language ru, got %v", trans["language"])
	}
	if trans["enable"] != true {
		t.Errorf("expected base enable=true preserved through merge, got %v", trans["enable"])
	}
	if output["auto_upload"] != true {
		t.Errorf("expected output_config attached verbatim, got %v", output["auto_upload"])
	}
}
