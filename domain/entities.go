package domain

import "time"

// User is the authenticated identity attached to a session. It is resolved
// once at connect time and never re-validated per message.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Board is the top-level grouping entity. Columns and tasks hang off it.
type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Column belongs to exactly one board.
type Column struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	BoardID   string    `json:"boardId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task belongs to one column and, denormalized, to one board. BoardID must
// always equal the owning column's BoardID.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	BoardID     string    `json:"boardId"`
	ColumnID    string    `json:"columnId"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
