package store

import "time"

// JobStatus is the lifecycle state of a generation job.
// Transitions are one-directional: PENDING -> PROCESSING -> COMPLETED|FAILED.
// COMPLETED and FAILED are terminal.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EntryType categorizes a token ledger entry.
type EntryType string

const (
	EntrySpend      EntryType = "SPEND"
	EntryRefund     EntryType = "REFUND"
	EntryPurchase   EntryType = "PURCHASE"
	EntryAdjustment EntryType = "ADJUSTMENT"
)

// LedgerEntry is an immutable, signed balance-change record.
// For any user, the token balance equals the sum of their entry amounts.
type LedgerEntry struct {
	ID          int64
	UserID      string
	Type        EntryType
	Amount      int64
	Description string
	ReferenceID string
	CreatedAt   time.Time
}

// GenerationParams are the provider-facing parameters of a job.
// Stored as JSON on the job row and carried verbatim in queue messages.
type GenerationParams struct {
	Prompt           string `json:"prompt"`
	NegativePrompt   string `json:"negativePrompt,omitempty"`
	DurationSeconds  int    `json:"durationSeconds"`
	AspectRatio      string `json:"aspectRatio,omitempty"`
	SampleCount      int    `json:"sampleCount"`
	GenerateAudio    bool   `json:"generateAudio"`
	Seed             int64  `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhancePrompt,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	ImageURL         string `json:"imageUrl,omitempty"`
}

// Job is one admitted generation request.
type Job struct {
	ID             string
	UserID         string
	Prompt         string
	Params         GenerationParams
	Status         JobStatus
	TokensReserved int64
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attempt is the token-reservation record tied to a job's execution.
// Exactly one attempt exists per job; its tokensUsed drives refund
// bookkeeping independently of the job row.
type Attempt struct {
	ID           int64
	JobID        string
	UserID       string
	TokensUsed   int64
	Status       JobStatus
	ErrorMessage string
}

// Artifact is a persisted result attached to a completed job.
type Artifact struct {
	ID        int64
	JobID     string
	URL       string
	Kind      string
	CreatedAt time.Time
}

// ArtifactKindVideo is the only artifact kind produced today.
const ArtifactKindVideo = "video"

// JobDetail bundles a job with its attempt and artifacts for status queries.
type JobDetail struct {
	Job       Job
	Attempt   Attempt
	Artifacts []Artifact
}

// ExpEntry records a secondary experience reward granted on job success.
// Experience never touches the token ledger.
type ExpEntry struct {
	ID          int64
	UserID      string
	Amount      int64
	Description string
	ReferenceID string
	CreatedAt   time.Time
}
