// Package matcher implements the Template Matcher (spec §4.4): ranks a
// user's templates, finds the first one whose rules match a candidate
// recording, and applies it (deep-merging processing config, attaching
// output config verbatim).
package matcher

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

// Store is the subset of *store.Store the matcher needs.
type Store interface {
	ListCandidateTemplates(ctx context.Context, userID string) ([]*domain.RecordingTemplate, error)
	RecordTemplateUsage(ctx context.Context, id int64, at time.Time) error
}

// Clock supplies now() for used_count/last_used_at bookkeeping.
type Clock interface {
	Now() time.Time
}

// CompiledTemplate pairs a RecordingTemplate with its patterns compiled
// once, so the matcher never recompiles a regex per discovery call (spec
// SPEC_FULL.md §4 "4.4 added detail").
type CompiledTemplate struct {
	Template *domain.RecordingTemplate
	patterns []*regexp.Regexp
}

// Compile validates and compiles a template's patterns. The Matcher calls it
// when it first meets a template, not at template write time; an invalid
// pattern is a validation error, never a runtime matcher failure.
func Compile(t *domain.RecordingTemplate) (*CompiledTemplate, error) {
	ct := &CompiledTemplate{Template: t}
	for _, p := range t.MatchingRules.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errs.Validation("matcher.Compile", "invalid pattern "+p+": "+err.Error())
		}
		ct.patterns = append(ct.patterns, re)
	}
	return ct, nil
}

// Candidate is the subset of a discovered recording the matcher needs.
type Candidate struct {
	DisplayName   string
	InputSourceID *int64
}

// Matches reports whether c satisfies any rule kind (rule kinds are ORed;
// within a kind all members are evaluated with OR as well — spec §4.4 "at
// most one RecordingTemplate" selection is by rank, not by requiring every
// kind to match).
func (ct *CompiledTemplate) Matches(c Candidate) bool {
	r := ct.Template.MatchingRules
	name := strings.ToLower(c.DisplayName)

	for _, exact := range r.ExactMatches {
		if strings.ToLower(exact) == name {
			return true
		}
	}
	for _, kw := range r.Keywords {
		if strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	for _, re := range ct.patterns {
		if re.MatchString(c.DisplayName) {
			return true
		}
	}
	if c.InputSourceID != nil {
		for _, id := range r.SourceIDs {
			if id == *c.InputSourceID {
				return true
			}
		}
	}
	return false
}

// Matcher is the Template Matcher component.
type Matcher struct {
	store Store
	clock Clock

	mu    sync.Mutex
	cache map[int64]*CompiledTemplate
}

func New(store Store, clock Clock) *Matcher {
	return &Matcher{store: store, clock: clock, cache: make(map[int64]*CompiledTemplate)}
}

// compiled returns t's compiled patterns, reusing a cached CompiledTemplate
// keyed by template ID as long as its matching_rules haven't changed since
// it was cached. A hand-edited or re-saved template invalidates its own
// entry without disturbing the rest of the cache.
func (m *Matcher) compiled(t *domain.RecordingTemplate) (*CompiledTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ct, ok := m.cache[t.ID]; ok && reflect.DeepEqual(ct.Template.MatchingRules, t.MatchingRules) {
		return ct, nil
	}
	ct, err := Compile(t)
	if err != nil {
		return nil, err
	}
	m.cache[t.ID] = ct
	return ct, nil
}

// Match implements spec §4.4's full operation: loads a user's templates
// (already ranked by the store's ORDER BY), compiles each, and returns the
// first rank that matches. On a win it records usage.
func (m *Matcher) Match(ctx context.Context, userID string, c Candidate) (*domain.RecordingTemplate, error) {
	t, err := m.find(ctx, userID, c)
	if err != nil || t == nil {
		return t, err
	}
	if err := m.store.RecordTemplateUsage(ctx, t.ID, m.clock.Now()); err != nil {
		return nil, err
	}
	return t, nil
}

// Preview runs the same ranked first-match search as Match without
// recording usage, for the scheduler's dry_run_job (spec §4.8: "only
// reports counts and the template plan; writes nothing").
func (m *Matcher) Preview(ctx context.Context, userID string, c Candidate) (*domain.RecordingTemplate, error) {
	return m.find(ctx, userID, c)
}

func (m *Matcher) find(ctx context.Context, userID string, c Candidate) (*domain.RecordingTemplate, error) {
	templates, err := m.store.ListCandidateTemplates(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		ct, err := m.compiled(t)
		if err != nil {
			// A template with a now-invalid pattern (e.g. hand-edited in the
			// DB) never blocks matching against the rest of the ranking.
			continue
		}
		if ct.Matches(c) {
			return t, nil
		}
	}
	return nil, nil
}

// Apply deep-merges the template's processing_config over the recording's
// existing preferences and attaches output_config verbatim (spec §4.4
// "Apply step").
func Apply(existingPrefs domain.RawConfig, t *domain.RecordingTemplate) (processing domain.RawConfig, output domain.RawConfig) {
	processing = domain.MergeRaw(existingPrefs, t.ProcessingConfig)
	output = t.OutputConfig
	return processing, output
}
