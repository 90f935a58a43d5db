// Package convstore is the LCM Conversation Store (spec §4.3): a typed API
// over the storage backend for conversations, canonical messages, message
// parts, context items, and lineage edges. It follows the teacher's
// pkg/persistence operations-struct pattern (a thin Go struct wrapping a
// *sql.DB-like handle with one method per operation) but is generalized to
// the append-or-tombstone context graph instead of spec/story rows.
package convstore

import "github.com/google/uuid"

// Role mirrors the canonical message roles from spec §3.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind mirrors the message-part kinds from spec §9's tagged content
// model.
type PartKind string

const (
	PartText      PartKind = "text"
	PartTool      PartKind = "tool"
	PartReasoning PartKind = "reasoning"
	PartImage     PartKind = "image"
	PartOther     PartKind = "other"
)

// ItemType enumerates the Context Item subclasses from spec §3.
type ItemType string

const (
	ItemMessage  ItemType = "message"
	ItemSummary  ItemType = "summary"
	ItemNote     ItemType = "note"
	ItemArtifact ItemType = "artifact"
)

// Relation enumerates lineage edge relations from spec §3.
type Relation string

const (
	RelationSummarizes Relation = "summarizes"
	RelationDerived    Relation = "derived"
	RelationCompacted  Relation = "compacted"
)

// Conversation is one logical chat thread (spec §3).
type Conversation struct {
	ID          string
	SessionID   string
	Channel     string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// Message is one canonical, append-only row (spec §3, invariants I1-I3).
type Message struct {
	ID             string
	ConversationID string
	Ordinal        int64
	Role           Role
	AuthorID       string
	ContentText    string
	Payload        string // opaque JSON blob
	CreatedAtMs    int64
}

// MessagePart is one part of a message's tagged content model (spec §3,
// invariants I4-I5).
type MessagePart struct {
	ID          string
	MessageID   string
	PartIndex   int64
	Kind        PartKind
	MimeType    string
	TextContent string
	BlobPath    string
	TokenCount  int64
	Payload     string
	CreatedAtMs int64
}

// ContextItem is one entry in the active context chain, or a tombstoned
// former entry retained for lineage (spec §3, invariants I6-I8).
type ContextItem struct {
	ID               string
	ConversationID   string
	SourceMessageID  string // set when ItemType == ItemMessage
	ItemType         ItemType
	Depth            int
	Title            string
	Body             string
	Metadata         string
	TokenEstimate    int64
	Tombstoned       bool
	CreatedAtMs      int64
	UpdatedAtMs      int64
}

// LineageEdge is a directed derivation relation between two context items
// (spec §3, invariants I9-I10).
type LineageEdge struct {
	ID             string
	ConversationID string
	ParentItemID   string
	ChildItemID    string
	Relation       Relation
	Metadata       string
	CreatedAtMs    int64
}

// Artifact is a reference to an out-of-store blob (spec §3).
type Artifact struct {
	ID             string
	ConversationID string
	MessageID      string
	Path           string
	MimeType       string
	Bytes          int64
	SHA256         string
	Metadata       string
	CreatedAtMs    int64
}

// NewID returns a random v4 UUID string, used for every entity whose id is
// not deterministically derived or caller-supplied (messages, parts,
// summaries, edges).
func NewID() string {
	return uuid.New().String()
}
