// Package core defines the domain records shared by every subsystem of the
// enrollment service: applications, identities, embeddings and audit events.
package core

import "time"

// EmbeddingDim is the dimensionality of every face embedding in the system.
const EmbeddingDim = 512

// ============================================================================
// STATUS & STAGE ENUMS
// ============================================================================

// Status is the processing status of an application.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusVerified      Status = "VERIFIED"       // Unique, approved
	StatusDuplicate     Status = "DUPLICATE"      // Linked to existing identity
	StatusPendingReview Status = "PENDING_REVIEW" // Borderline, awaiting human
	StatusRejected      Status = "REJECTED"       // Quality/format failure
	StatusFailed        Status = "FAILED"         // System failure after retries
)

// Terminal reports whether the status ends automatic processing.
func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusDuplicate, StatusPendingReview, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Stage is a step of the per-submission pipeline.
type Stage string

const (
	StageIngest  Stage = "INGEST"
	StageAnalyze Stage = "ANALYZE"
	StageDedup   Stage = "DEDUP"
	StageAssign  Stage = "ASSIGN"
	StageDone    Stage = "DONE"
)

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

const (
	IdentityActive    IdentityStatus = "ACTIVE"
	IdentitySuspended IdentityStatus = "SUSPENDED"
	IdentityMerged    IdentityStatus = "MERGED"
)

// ============================================================================
// APPLICATION
// ============================================================================

// Applicant holds the demographic half of a submission.
type Applicant struct {
	FullName    string            `json:"full_name"`
	DateOfBirth string            `json:"date_of_birth"` // YYYY-MM-DD
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Address     string            `json:"address,omitempty"`
	Demographic map[string]string `json:"demographic,omitempty"`
}

// PhotoRef describes the stored photograph of a submission.
type PhotoRef struct {
	StoragePath string    `json:"storage_path"`
	Format      string    `json:"format"` // jpeg, png
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	ByteSize    int64     `json:"byte_size"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// FaceBox is the bounding box of the detected face in pixel coordinates.
type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Processing tracks pipeline progress on an application.
type Processing struct {
	Stage              Stage      `json:"stage"`
	Status             Status     `json:"status"`
	QualityScore       float64    `json:"quality_score"` // [0,1]
	FaceDetected       bool       `json:"face_detected"`
	EmbeddingGenerated bool       `json:"embedding_generated"`
	DuplicateCheckDone bool       `json:"duplicate_check_done"`
	ErrorCode          string     `json:"error_code,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Match is one candidate returned by the deduplicator, ordered by score.
type Match struct {
	ApplicationID string  `json:"application_id"`
	Score         float64 `json:"score"`
	IdentityID    string  `json:"identity_id,omitempty"`
}

// Result is the identity outcome of a processed application.
type Result struct {
	IdentityID           string     `json:"identity_id,omitempty"`
	IsDuplicate          bool       `json:"is_duplicate"`
	Matches              []Match    `json:"matches,omitempty"`
	FinalStatus          Status     `json:"final_status,omitempty"`
	RequiresManualReview bool       `json:"requires_manual_review,omitempty"`
	ReviewReason         string     `json:"review_reason,omitempty"`
	ReviewerID           string     `json:"reviewer_id,omitempty"`
	ReviewerNotes        string     `json:"reviewer_notes,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`
}

// Application is one submission. Created on submit with status PENDING,
// mutated only by the owning processor until a terminal status, then only
// by reviewer overrides. Never deleted.
type Application struct {
	ApplicationID string     `json:"application_id"`
	Applicant     Applicant  `json:"applicant"`
	Photo         PhotoRef   `json:"photo"`
	Processing    Processing `json:"processing"`
	Result        Result     `json:"result"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ============================================================================
// IDENTITY
// ============================================================================

// Identity is the durable handle assigned to a unique applicant. The first
// entry of ApplicationIDs is the anchor application.
type Identity struct {
	IdentityID     string            `json:"identity_id"`
	Status         IdentityStatus    `json:"status"`
	ApplicationIDs []string          `json:"application_ids"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Anchor returns the anchor application id, or "" for an empty identity.
func (i *Identity) Anchor() string {
	if len(i.ApplicationIDs) == 0 {
		return ""
	}
	return i.ApplicationIDs[0]
}

// ============================================================================
// EMBEDDING
// ============================================================================

// EmbeddingRecord binds an application to its face vector. Exactly one per
// application; every record references a live identity.
type EmbeddingRecord struct {
	ApplicationID string    `json:"application_id"`
	IdentityID    string    `json:"identity_id"`
	Vector        []float32 `json:"vector"` // length 512, unit L2 norm
	ModelVersion  string    `json:"model_version"`
	QualityScore  float64   `json:"quality_score"`
	FaceBox       FaceBox   `json:"face_box"`
	CreatedAt     time.Time `json:"created_at"`
}

// ============================================================================
// AUDIT EVENT
// ============================================================================

// EventKind enumerates auditable actions.
type EventKind string

const (
	EventSubmitted          EventKind = "submitted"
	EventFaceDetected       EventKind = "face_detected"
	EventEmbeddingGenerated EventKind = "embedding_generated"
	EventDuplicateDetected  EventKind = "duplicate_detected"
	EventIdentityIssued     EventKind = "identity_issued"
	EventApplicationLinked  EventKind = "application_linked"
	EventApplicationReject  EventKind = "application_rejected"
	EventOverrideDecision   EventKind = "override_decision"
	EventIdentityMerge      EventKind = "identity_merge"
	EventIdentitySuspend    EventKind = "identity_suspend"
	EventDataAccess         EventKind = "data_access"
	EventAdminLogin         EventKind = "admin_login"
	EventProcessingFailed   EventKind = "processing_failed"
)

// ActorKind categorizes who performed an audited action.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorAdmin    ActorKind = "admin"
	ActorReviewer ActorKind = "reviewer"
	ActorAPI      ActorKind = "api"
)

// AuditEvent is an immutable journal entry. The journal assigns ID and
// Timestamp at append time; caller-supplied timestamps are rejected.
type AuditEvent struct {
	EventID      string                 `json:"event_id"`
	Kind         EventKind              `json:"event_kind"`
	Timestamp    time.Time              `json:"timestamp"`
	ActorID      string                 `json:"actor_id"`
	ActorKind    ActorKind              `json:"actor_kind"`
	ResourceID   string                 `json:"resource_id"`
	ResourceKind string                 `json:"resource_kind"`
	Action       string                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ============================================================================
// USERS
// ============================================================================

// User is an operator/reviewer/admin account. Authentication token issuance
// lives outside this service; only the records and CRUD do.
type User struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // admin, reviewer, api
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ============================================================================
// CONFIDENCE BANDS
// ============================================================================

// Band is the confidence bucket of a duplicate verdict.
type Band string

const (
	BandUnique Band = "UNIQUE" // no candidate above threshold
	BandLow    Band = "LOW"    // below threshold
	BandMedium Band = "MEDIUM" // >= verification threshold
	BandHigh   Band = "HIGH"   // >= high band cutoff
)
