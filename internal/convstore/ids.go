package convstore

import (
	"crypto/sha256"
	"encoding/hex"
)

// ctxMessagePointerID derives the deterministic id of the internal
// "ctxmsg_*" context item that wraps a canonical message, per spec §4.3:
// "a deterministic id derived from sha256(conversationId|messageId) ... so a
// summary is linked transitively through a canonical pointer, not directly
// to the raw message row." Determinism is what makes appendContextMessage
// and linkSummaryToMessages idempotent - two calls for the same
// (conversationId, messageId) always target the same row.
func ctxMessagePointerID(conversationID, messageID string) string {
	sum := sha256.Sum256([]byte(conversationID + "|" + messageID))
	return "ctxmsg_" + hex.EncodeToString(sum[:])[:32]
}
