package domain

import (
	"encoding/json"
	"time"
)

// User is the tenant identity. It is never destroyed, only deactivated.
type User struct {
	ID            string // 26-char ULID
	Slug          int64  // monotonic, used in storage paths
	Timezone      string
	Role          Role
	CanTranscribe bool
	CanUpload     bool
	Deactivated   bool
	CreatedAt     time.Time
}

// SubscriptionPlan is an admin-managed tier with default quotas.
type SubscriptionPlan struct {
	ID                      int64
	Name                    string
	MaxRecordingsPerMonth   *int
	MaxStorageGB            *int
	MaxConcurrentTasks      *int
	MaxAutomationJobs       *int
	MinAutomationIntervalHr *int
}

// UserSubscription references a plan and may override any quota field.
type UserSubscription struct {
	UserID                      string
	PlanID                      int64
	CustomMaxRecordingsPerMonth *int
	CustomMaxStorageGB          *int
	CustomMaxConcurrentTasks    *int
	CustomMaxAutomationJobs     *int
	CustomMinAutomationIntervalHr *int
}

// QuotaUsage is one row per (user, period).
type QuotaUsage struct {
	UserID               string
	Period               Period
	RecordingsCount      int
	ConcurrentTasksCount int
	OverageCost          int64 // integer cents; no floats for quota (spec §3)
}

// InputSource is a named source binding.
type InputSource struct {
	ID               int64
	UserID           string
	Name             string
	SourceType       SourceType
	CredentialHandle string
	Config           RawConfig
	LastSyncAt       *time.Time
	LastSyncError    string
}

// OutputPreset is a named target binding.
type OutputPreset struct {
	ID               int64
	UserID           string
	Name             string
	Platform         TargetPlatform
	CredentialHandle string
	PresetMetadata   RawConfig
}

// MatchingRules describes a RecordingTemplate's selection criteria (spec §4.4).
type MatchingRules struct {
	ExactMatches []string `json:"exact_matches,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
	SourceIDs    []int64  `json:"source_ids,omitempty"`
}

// Empty reports whether no rule kind is populated.
func (m MatchingRules) Empty() bool {
	return len(m.ExactMatches) == 0 && len(m.Keywords) == 0 &&
		len(m.Patterns) == 0 && len(m.SourceIDs) == 0
}

// RecordingTemplate is a matching + processing spec.
type RecordingTemplate struct {
	ID               int64
	UserID           string
	Name             string
	MatchingRules    MatchingRules
	ProcessingConfig RawConfig
	MetadataConfig   RawConfig
	OutputConfig     RawConfig
	IsDraft          bool
	IsActive         bool
	UsedCount        int64
	LastUsedAt       *time.Time
	CreatedAt        time.Time
}

// AutomationJob is a scheduled application of templates against sources.
type AutomationJob struct {
	ID                       int64
	UserID                   string
	Name                     string
	TemplateIDs              []int64
	Schedule                 Schedule
	SyncConfig               SyncConfig
	Filters                  RawConfig
	ProcessingConfigOverride RawConfig
	IsActive                 bool
	LastRunAt                *time.Time
	NextRunAt                *time.Time
	RunCount                 int64
	CreatedAt                time.Time
}

// SyncConfig controls how far back discovery looks for a job run.
type SyncConfig struct {
	SyncDays   int      `json:"sync_days"`
	SourceIDs  []int64  `json:"source_ids,omitempty"`
}

// Recording is the central entity.
type Recording struct {
	ID         string // ULID
	UserID     string
	InputSourceID *int64
	TemplateID    *int64

	DisplayName     string
	StartTime       time.Time
	DurationSeconds float64

	Status     Status
	IsMapped   bool
	BlankRecord bool

	DeleteState    DeleteState
	SoftDeletedAt  *time.Time
	HardDeleteAt   *time.Time
	DeletionReason string
	ExpireAt       *time.Time

	OnPause          bool
	PauseRequestedAt *time.Time

	LocalVideoPath     string
	ProcessedVideoPath string
	ProcessedAudioPath string
	TranscriptionDir   string

	Failed        bool
	FailedReason  string
	FailedAtStage string
	RetryCount    int

	PipelineStartedAt    *time.Time
	PipelineCompletedAt  *time.Time
	PipelineDurationSecs *float64

	Preferences RawConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProcessingStage is one row per (recording, stage_type).
type ProcessingStage struct {
	RecordingID  string
	StageType    StageType
	Status       StageStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	SkipReason   string
	FailedReason string
	StageMeta    RawConfig
}

// OutputTarget is one row per (recording, target_type).
type OutputTarget struct {
	RecordingID  string
	TargetType   TargetPlatform
	PresetID     int64
	Status       TargetStatus
	RemoteID     string
	URL          string
	TargetMeta   RawConfig
	FailedReason string
}

// SourceMetadata carries the adapter identity used for dedup.
type SourceMetadata struct {
	RecordingID string
	SourceType  SourceType
	SourceKey   string
	RawPayload  json.RawMessage
}

// StageTiming is an append-only analytics row, never updated once finalized.
type StageTiming struct {
	ID             int64
	RecordingID    string
	StageType      StageType
	Substep        string
	Attempt        int
	StartedAt      time.Time
	CompletedAt    *time.Time
	DurationSecs   *float64
	Status         StageStatus
	ErrorMessage   string
	Meta           RawConfig
}

// RefreshToken is an opaque session token. It lives in the core store
// because §3 lists it there, but issuance/validation is not a core
// operation — that belongs to the out-of-scope HTTP/credential surface.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	IsRevoked bool
}
