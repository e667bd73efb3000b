package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Board struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	IsPublic    bool
	// CommitSeq is bumped inside every event-producing transaction; the row
	// update serializes commits per board.
	CommitSeq int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Member struct {
	BoardID string
	UserID  string
	Role    string
	AddedAt time.Time
}

type List struct {
	ID        string
	BoardID   string
	Title     string
	Position  int
	CreatedAt time.Time
}

type Card struct {
	ID          string
	ListID      string
	Title       string
	Description string
	Position    int
	AssigneeID  *string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Label struct {
	ID      string
	BoardID string
	Name    string
	Color   string
}

type Comment struct {
	ID        string
	CardID    string
	UserID    string
	Body      string
	CreatedAt time.Time
}

type Activity struct {
	ID        int64
	BoardID   string
	UserID    string
	Action    string
	Details   json.RawMessage
	CreatedAt time.Time
}
