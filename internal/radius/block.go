package radius

import (
	"strings"
)

// BlockKind is why a user is denied service
type BlockKind string

const (
	BlockExpired   BlockKind = "expired"
	BlockSuspended BlockKind = "suspended"
	BlockBlocked   BlockKind = "blocked"
	BlockPending   BlockKind = "pending"
	BlockFailed    BlockKind = "failed"
	BlockCustom    BlockKind = "custom"
)

// AuthTypeReject is the Auth-Type value that makes FreeRADIUS reject a user
const AuthTypeReject = "Reject"

var blockMessages = map[BlockKind]string{
	BlockExpired:   "Your package has expired. Please login and purchase a new package.",
	BlockSuspended: "Your account has been suspended. Please contact support.",
	BlockBlocked:   "Your account has been blocked. Please contact support.",
	BlockPending:   "Your payment is being processed. Please complete payment to activate your package.",
	BlockFailed:    "Your payment failed. Please login and purchase a package again.",
}

// BlockReason carries the kind of block and an optional operator detail.
// For BlockCustom the detail is the whole message.
type BlockReason struct {
	Kind   BlockKind
	Detail string
}

// EncodeUserBlockAttributes returns the Reply-Message row shown to a denied user
func EncodeUserBlockAttributes(reason BlockReason) Attribute {
	return Set(AttrReplyMessage, truncate(blockMessage(reason)))
}

func blockMessage(reason BlockReason) string {
	detail := strings.TrimSpace(reason.Detail)
	if reason.Kind == BlockCustom {
		if detail == "" {
			return blockMessages[BlockBlocked]
		}
		return detail
	}

	msg, ok := blockMessages[reason.Kind]
	if !ok {
		msg = blockMessages[BlockBlocked]
	}
	if detail == "" {
		return msg
	}

	switch reason.Kind {
	case BlockSuspended:
		return "Your account has been suspended (" + detail + "). Please contact support."
	case BlockBlocked:
		return "Your account has been blocked (" + detail + "). Please contact support."
	}
	return msg
}

// BlockCheckAttribute is the check row that accompanies a block message
func BlockCheckAttribute() Attribute {
	return Set(AttrAuthType, AuthTypeReject)
}
