package domain

import "encoding/json"

// Event names carried on the websocket, client to server. Successful
// mutations are re-broadcast to the board room under the same name; failures
// go back to the originating session under the name returned by FailureEvent.
const (
	BoardJoin    = "join-board"
	BoardLeave   = "leave-board"
	ColumnCreate = "column-create"
	ColumnUpdate = "column-update"
	ColumnDelete = "column-delete"
	TaskCreate   = "task-create"
	TaskUpdate   = "task-update"
	TaskDelete   = "task-delete"
	BoardUpdate  = "board-update"
	BoardDelete  = "board-delete"

	// ErrorEvent reports frames that could not be dispatched at all
	// (unparseable envelope, unknown event name).
	ErrorEvent = "error"
)

// FailureEvent derives the per-event failure name, e.g. "task-create-failure".
func FailureEvent(event string) string { return event + "-failure" }

// Envelope is the framing every websocket message uses in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinBoardPayload struct {
	BoardID string `json:"boardId"`
}

type LeaveBoardPayload struct {
	BoardID string `json:"boardId"`
}

type CreateColumnPayload struct {
	BoardID string `json:"boardId"`
	Title   string `json:"title"`
}

// Update payloads use pointers so absent fields are distinguishable from
// zero values and only supplied fields are merged.
type UpdateColumnPayload struct {
	ColumnID string  `json:"columnId"`
	BoardID  string  `json:"boardId"`
	Title    *string `json:"title"`
}

type DeleteColumnPayload struct {
	ColumnID string `json:"columnId"`
	BoardID  string `json:"boardId"`
}

type CreateTaskPayload struct {
	BoardID     string `json:"boardId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type UpdateTaskPayload struct {
	TaskID      string  `json:"taskId"`
	BoardID     string  `json:"boardId"`
	ColumnID    *string `json:"columnId"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type DeleteTaskPayload struct {
	TaskID  string `json:"taskId"`
	BoardID string `json:"boardId"`
}

type UpdateBoardPayload struct {
	BoardID string  `json:"boardId"`
	Title   *string `json:"title"`
}

type DeleteBoardPayload struct {
	BoardID string `json:"boardId"`
}

// Deletion broadcasts carry only the identifying keys plus the parent ids
// clients need to locate the entity.
type ColumnDeletedPayload struct {
	ColumnID string `json:"columnId"`
	BoardID  string `json:"boardId"`
}

type TaskDeletedPayload struct {
	TaskID  string `json:"taskId"`
	BoardID string `json:"boardId"`
}

type BoardDeletedPayload struct {
	BoardID string `json:"boardId"`
}

// FailurePayload is the body of every failure and error frame.
type FailurePayload struct {
	Message string `json:"message"`
}

// JournalRecord is one successfully broadcast mutation as appended to the
// journal queue for offline audit and replay tooling.
type JournalRecord struct {
	UserID  string          `json:"userId"`
	BoardID string          `json:"boardId"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Time    int64           `json:"time"`
}
