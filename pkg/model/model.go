// Package model defines the entities of the collaborative document
// platform: pages, projects, orgs, file uploads, derived link tables,
// invitations, and import jobs (spec §3). These are plain value types;
// persistence lives in pkg/store.
package model

import "time"

// Role is a project editor's or org member's permission level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// FileType is the recognized content type of a page's body.
type FileType string

const (
	FileTypeMarkdown FileType = "md"
	FileTypeCSV      FileType = "csv"
	FileTypeText     FileType = "txt"
)

// PageDetails is the JSON attribute of a Page. Only the fields named here
// are kept; any additional keys in incoming JSON are dropped on decode.
type PageDetails struct {
	Content       string   `json:"content"`
	FileType      FileType `json:"filetype"`
	SchemaVersion int      `json:"schema_version"`
}

// MaxContentBytes is the 10 MiB UTF-8 byte-length cap on page content
// (spec §4.G).
const MaxContentBytes = 10 << 20

// Page is a single collaboratively edited document.
type Page struct {
	ID         int64 // internal row id, never exposed
	ExternalID string
	ProjectID  int64
	CreatorID  int64
	Title      string
	Details    PageDetails
	Deleted    bool
	AccessCode string // optional read-only 32-byte URL-safe token
	ParentID   *int64 // set by archive ingestion to preserve tree hierarchy
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Project groups pages under an org, with its own direct editor list.
type Project struct {
	ID                  int64
	ExternalID          string
	OrgID               int64
	CreatorID           int64
	Name                string
	OrgMembersCanAccess bool
	Deleted             bool
	CreatedAt           time.Time
}

// ProjectEditor is a (project, user) row with a role. Uniqueness is on
// the pair.
type ProjectEditor struct {
	ProjectID int64
	UserID    int64
	Role      Role
}

// Org is the top-level tenant boundary.
type Org struct {
	ID         int64
	ExternalID string
	Name       string
	Domain     *string // unique if non-null
	CreatedAt  time.Time
}

// OrgMember is an (org, user) row with a role.
type OrgMember struct {
	OrgID  int64
	UserID int64
	Role   Role
}

// RoomID returns the in-memory room identifier for a page, per the
// glossary: "page_{page_external_id}".
func RoomID(pageExternalID string) string {
	return "page_" + pageExternalID
}

// UpdateLogEntry is one immutable append to a room's CRDT update log.
type UpdateLogEntry struct {
	ID        int64 // monotonically increasing, globally
	RoomID    string
	Blob      []byte
	CreatedAt time.Time
}

// Snapshot is the single compacted CRDT state row for a room.
type Snapshot struct {
	RoomID       string
	Blob         []byte
	LastUpdateID int64
	UpdatedAt    time.Time
}

// BlobStatus is the verification state of a single storage-provider copy
// of a file's bytes.
type BlobStatus string

const (
	BlobPending  BlobStatus = "pending"
	BlobVerified BlobStatus = "verified"
	BlobFailed   BlobStatus = "failed"
)

// FileStatus is the single source of truth for whether a file is
// downloadable.
type FileStatus string

const (
	FileStatusPendingURL FileStatus = "pending_url"
	FileStatusFinalizing FileStatus = "finalizing"
	FileStatusAvailable  FileStatus = "available"
	FileStatusFailed     FileStatus = "failed"
)

// FileUpload is an uploaded file bound to a project.
type FileUpload struct {
	ID          int64
	ExternalID  string
	AccessToken string
	ProjectID   int64
	UploaderID  int64
	Status      FileStatus
	ContentType string
	SizeBytes   int64
	Deleted     bool
	CreatedAt   time.Time
}

// FileBlob is one storage-provider copy of a FileUpload's bytes.
type FileBlob struct {
	ID       int64
	FileID   int64
	Provider string
	Key      string
	ETag     string
	Status   BlobStatus
}

// PageLink is a derived (source page -> target page) reference.
type PageLink struct {
	SourcePageID int64
	TargetPageID int64
	LinkText     string
}

// FileLink is a derived (source page -> target file) reference.
type FileLink struct {
	SourcePageID int64
	TargetFileID int64
	LinkText     string
}

// PageMention is a derived (source page -> mentioned user) reference.
type PageMention struct {
	SourcePageID int64
	MentionedUserID int64
}

// InvitationTarget distinguishes a page-scoped from a project-scoped
// invitation.
type InvitationTarget string

const (
	InviteTargetPage    InvitationTarget = "page"
	InviteTargetProject InvitationTarget = "project"
)

// DefaultInvitationTTL is the default expiry window for a pending
// invitation (spec §4.G, §6 Environment).
const DefaultInvitationTTL = 7 * 24 * time.Hour

// Invitation is a pending or accepted editor invitation.
type Invitation struct {
	ID         int64
	Token      string
	Target     InvitationTarget
	TargetID   int64
	Email      string // normalized lowercase
	Role       Role
	InviterID  int64
	ExpiresAt  time.Time
	Accepted   bool
	AcceptorID *int64
	CreatedAt  time.Time
}

// Valid reports whether the invitation can still be accepted: not
// accepted, and strictly before its expiry (spec §3: "not accepted AND
// expiry strictly in the future").
func (inv Invitation) Valid(now time.Time) bool {
	return !inv.Accepted && inv.ExpiresAt.After(now)
}

// ImportJobStatus is the lifecycle state of an archive ingestion job.
type ImportJobStatus string

const (
	ImportPending    ImportJobStatus = "pending"
	ImportProcessing ImportJobStatus = "processing"
	ImportCompleted  ImportJobStatus = "completed"
	ImportFailed     ImportJobStatus = "failed"
)

// ImportJob tracks a single archive ingestion attempt.
type ImportJob struct {
	ID         int64
	ExternalID string
	ProjectID  int64
	UserID     int64
	Status     ImportJobStatus
	Total      int
	Imported   int
	Skipped    int
	Failed     int
	Message    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ImportArchive is the one-to-one archive record owned by an ImportJob.
type ImportArchive struct {
	ID           int64
	JobID        int64
	TempFilePath string // cleared once extraction/cleanup completes
	StorageKey   string // set after successful re-upload to durable storage
	SizeBytes    int64
	CreatedAt    time.Time
}

// ImportedPage records the (source hash) -> (new page) mapping used for
// cross-reference remapping during ingestion.
type ImportedPage struct {
	JobID      int64
	SourceHash string // the source file's Notion unique-id suffix
	PageID     int64
	PageExtID  string
}

// AbuseSeverity ranks an abuse record for threshold evaluation (spec §4.I).
type AbuseSeverity string

const (
	SeverityLow      AbuseSeverity = "low"
	SeverityMedium   AbuseSeverity = "medium"
	SeverityHigh     AbuseSeverity = "high"
	SeverityCritical AbuseSeverity = "critical"
)

// AbuseRecord is a single recorded violation.
type AbuseRecord struct {
	ID        int64
	UserID    int64
	Reason    string
	Severity  AbuseSeverity
	Detail    []byte // JSON
	JobID     *int64
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Ban is the single row per banned user.
type Ban struct {
	UserID    int64
	Reason    string
	CreatedAt time.Time
	LiftedAt  *time.Time
}

// AskRequestStatus is the lifecycle of an LLM query.
type AskRequestStatus string

const (
	AskPending AskRequestStatus = "pending"
	AskOK      AskRequestStatus = "ok"
	AskFailed  AskRequestStatus = "failed"
)

// AskRequest is the terminal record of one LLM query orchestration run.
type AskRequest struct {
	ID          int64
	UserID      int64
	Query       string
	PageIDs     []int64
	Answer      string
	Status      AskRequestStatus
	ErrorCode   string
	CreatedAt   time.Time
}

// AICredential resolves to a provider + key for the outbound chat and
// embedding API client. Resolution order (spec §4.K): explicit config id,
// explicit provider, user default, org default.
type AICredential struct {
	ID       int64
	Scope    string // "config", "user", "org"
	OwnerID  int64  // user id or org id, depending on Scope
	Provider string
	APIKey   string
	Model    string
}

// PageEmbedding is the precomputed semantic vector for a page's content,
// keyed by the content hash used to short-circuit recomputation.
type PageEmbedding struct {
	PageID      int64
	ContentHash string
	Vector      []float32
	UpdatedAt   time.Time
}
