// Package clock centralizes time and ID generation (spec §4.1) so the rest
// of the core never calls time.Now()/rand directly — tests inject a fixed
// Clock instead, the way the teacher's services thread a *slog.Logger
// rather than reaching for a package-level logger.
package clock

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Clock is the single source of wall-clock time for the core.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock: system time, always UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Frozen is a test Clock pinned to a fixed instant, advanceable by Advance.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozen(at time.Time) *Frozen {
	return &Frozen{now: at.UTC()}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Frozen) Set(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = at.UTC()
}

// Period returns the calendar-month period key (YYYYMM) for t, per spec §2/§4.2.
func Period(t time.Time) int {
	u := t.UTC()
	return u.Year()*100 + int(u.Month())
}

// IDGenerator produces ULIDs and monotonic slugs. It is safe for concurrent
// use; the entropy source and the slug counter are both mutex-guarded.
type IDGenerator struct {
	clock Clock

	mu      sync.Mutex
	entropy io.Reader

	slugMu   sync.Mutex
	nextSlug int64
}

// NewIDGenerator builds a generator seeded from clk. startSlug should be the
// value recovered from the durable slug counter at process start (0 for a
// fresh system); slugs are never reused, so the counter must never roll
// back across restarts.
func NewIDGenerator(clk Clock, startSlug int64) *IDGenerator {
	now := clk.Now()
	source := rand.New(rand.NewSource(now.UnixNano()))
	entropy := ulid.Monotonic(source, 0)
	return &IDGenerator{clock: clk, entropy: entropy, nextSlug: startSlug}
}

// NewUserID returns a new 26-char ULID for a User.
func (g *IDGenerator) NewUserID() string {
	return g.newULID()
}

// NewRecordingID returns a new 26-char ULID for a Recording.
func (g *IDGenerator) NewRecordingID() string {
	return g.newULID()
}

func (g *IDGenerator) newULID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := ulid.Timestamp(g.clock.Now())
	id := ulid.MustNew(t, g.entropy)
	return id.String()
}

// NextSlug allocates the next monotonic, never-reused slug.
func (g *IDGenerator) NextSlug() int64 {
	g.slugMu.Lock()
	defer g.slugMu.Unlock()
	g.nextSlug++
	return g.nextSlug
}
