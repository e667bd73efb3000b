// Package realtime fans committed board mutations out to the live connections
// watching each board, preserving commit order per board.
package realtime

import "time"

const (
	KindListCreated   = "list_created"
	KindListUpdated   = "list_updated"
	KindListMoved     = "list_moved"
	KindListDeleted   = "list_deleted"
	KindCardCreated   = "card_created"
	KindCardUpdated   = "card_updated"
	KindCardMoved     = "card_moved"
	KindCardDeleted   = "card_deleted"
	KindBoardUpdated  = "board_updated"
	KindMemberAdded   = "member_added"
	KindMemberUpdated = "member_updated"
	KindMemberRemoved = "member_removed"
	KindCommentAdded  = "comment_added"
	KindLabelAdded    = "label_added"
	KindLabelRemoved  = "label_removed"
)

// Entity is the mutated list or card as committed.
type Entity struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Position int    `json:"position,omitempty"`
	ListID   string `json:"listId,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Sibling records the committed position of a sibling the mutation shifted.
type Sibling struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Event is one committed mutation. It is a diff, not a board snapshot: only
// the mutated entity and the siblings whose stored position changed.
type Event struct {
	Kind             string    `json:"kind"`
	BoardID          string    `json:"boardId"`
	CommitSeq        int64     `json:"commitSeq"`
	Entity           *Entity   `json:"entity,omitempty"`
	AffectedSiblings []Sibling `json:"affectedSiblings,omitempty"`
	ActorUserID      string    `json:"actorUserId"`
	Timestamp        time.Time `json:"ts"`
}
