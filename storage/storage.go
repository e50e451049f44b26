package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
)

// Storage provides access to the board, column, task and user tables.
type Storage struct {
	userTable   *aztables.Client
	boardTable  *aztables.Client
	columnTable *aztables.Client
	taskTable   *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, usersTable, boardsTable, columnsTable, tasksTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{
		userTable:   svc.NewClient(usersTable),
		boardTable:  svc.NewClient(boardsTable),
		columnTable: svc.NewClient(columnsTable),
		taskTable:   svc.NewClient(tasksTable),
	}, nil
}

// Table entity layouts. Users are keyed PartitionKey=RowKey=userID, boards
// PartitionKey=RowKey=boardID, columns PartitionKey=boardID RowKey=columnID
// and tasks PartitionKey=boardID RowKey=taskID, so every lookup the gateway
// needs is a single point read and a column lookup under the wrong board
// partition naturally misses.

type userEntity struct {
	aztables.Entity
	Email string `json:"Email"`
}

type boardEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	UserID    string `json:"UserId"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

type columnEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	UserID    string `json:"UserId"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	ColumnID    string `json:"ColumnId"`
	UserID      string `json:"UserId"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

// FetchUser retrieves the user with the given id.
func (s *Storage) FetchUser(ctx context.Context, userID string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		return domain.User{}, mapTableError(err)
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Email: ent.Email}, nil
}

// FetchColumn retrieves one column under the given board partition.
func (s *Storage) FetchColumn(ctx context.Context, boardID, columnID string) (domain.Column, error) {
	resp, err := s.columnTable.GetEntity(ctx, boardID, columnID, nil)
	if err != nil {
		return domain.Column{}, mapTableError(err)
	}
	var ent columnEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Column{}, err
	}
	return columnFromEntity(ent), nil
}

// CreateColumn inserts a new column and returns it as persisted.
func (s *Storage) CreateColumn(ctx context.Context, col domain.Column) (domain.Column, error) {
	data, err := json.Marshal(columnToEntity(col))
	if err != nil {
		return domain.Column{}, err
	}
	if _, err := s.columnTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Column{}, mapTableError(err)
	}
	return col, nil
}

// UpdateColumn merges the supplied fields into the stored column and returns
// the result. Last write wins; no optimistic concurrency is attempted.
func (s *Storage) UpdateColumn(ctx context.Context, p domain.UpdateColumnPayload) (domain.Column, error) {
	resp, err := s.columnTable.GetEntity(ctx, p.BoardID, p.ColumnID, nil)
	if err != nil {
		return domain.Column{}, mapTableError(err)
	}
	var ent columnEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Column{}, err
	}
	applyColumnChanges(&ent, p, time.Now().UTC())
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Column{}, err
	}
	if _, err := s.columnTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Column{}, mapTableError(err)
	}
	return columnFromEntity(ent), nil
}

// DeleteColumn removes one column. Child tasks are not cascaded here.
func (s *Storage) DeleteColumn(ctx context.Context, boardID, columnID string) error {
	if _, err := s.columnTable.DeleteEntity(ctx, boardID, columnID, nil); err != nil {
		return mapTableError(err)
	}
	return nil
}

// CreateTask inserts a new task and returns it as persisted.
func (s *Storage) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	data, err := json.Marshal(taskToEntity(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, mapTableError(err)
	}
	return task, nil
}

// UpdateTask merges the supplied fields into the stored task and returns the
// result.
func (s *Storage) UpdateTask(ctx context.Context, p domain.UpdateTaskPayload) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, p.BoardID, p.TaskID, nil)
	if err != nil {
		return domain.Task{}, mapTableError(err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	applyTaskChanges(&ent, p, time.Now().UTC())
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Task{}, mapTableError(err)
	}
	return taskFromEntity(ent), nil
}

// DeleteTask removes one task.
func (s *Storage) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, boardID, taskID, nil); err != nil {
		return mapTableError(err)
	}
	return nil
}

// UpdateBoard merges the supplied fields into the stored board and returns
// the result.
func (s *Storage) UpdateBoard(ctx context.Context, p domain.UpdateBoardPayload) (domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, p.BoardID, p.BoardID, nil)
	if err != nil {
		return domain.Board{}, mapTableError(err)
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Board{}, err
	}
	applyBoardChanges(&ent, p, time.Now().UTC())
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Board{}, err
	}
	if _, err := s.boardTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Board{}, mapTableError(err)
	}
	return boardFromEntity(ent), nil
}

// DeleteBoard removes the board entity itself. Columns and tasks under its
// partition are left to offline cleanup.
func (s *Storage) DeleteBoard(ctx context.Context, boardID string) error {
	if _, err := s.boardTable.DeleteEntity(ctx, boardID, boardID, nil); err != nil {
		return mapTableError(err)
	}
	return nil
}

func applyColumnChanges(ent *columnEntity, p domain.UpdateColumnPayload, now time.Time) {
	if p.Title != nil {
		ent.Title = *p.Title
	}
	ent.UpdatedAt = now.Format(time.RFC3339)
}

func applyTaskChanges(ent *taskEntity, p domain.UpdateTaskPayload, now time.Time) {
	if p.Title != nil {
		ent.Title = *p.Title
	}
	if p.Description != nil {
		ent.Description = *p.Description
	}
	if p.ColumnID != nil {
		ent.ColumnID = *p.ColumnID
	}
	ent.UpdatedAt = now.Format(time.RFC3339)
}

func applyBoardChanges(ent *boardEntity, p domain.UpdateBoardPayload, now time.Time) {
	if p.Title != nil {
		ent.Title = *p.Title
	}
	ent.UpdatedAt = now.Format(time.RFC3339)
}

func columnToEntity(col domain.Column) columnEntity {
	return columnEntity{
		Entity:    aztables.Entity{PartitionKey: col.BoardID, RowKey: col.ID},
		Title:     col.Title,
		UserID:    col.UserID,
		CreatedAt: col.CreatedAt.Format(time.RFC3339),
		UpdatedAt: col.UpdatedAt.Format(time.RFC3339),
	}
}

func columnFromEntity(ent columnEntity) domain.Column {
	return domain.Column{
		ID:        ent.RowKey,
		Title:     ent.Title,
		BoardID:   ent.PartitionKey,
		UserID:    ent.UserID,
		CreatedAt: parseTime(ent.CreatedAt),
		UpdatedAt: parseTime(ent.UpdatedAt),
	}
}

func taskToEntity(task domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: task.BoardID, RowKey: task.ID},
		Title:       task.Title,
		Description: task.Description,
		ColumnID:    task.ColumnID,
		UserID:      task.UserID,
		CreatedAt:   task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   task.UpdatedAt.Format(time.RFC3339),
	}
}

func taskFromEntity(ent taskEntity) domain.Task {
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		BoardID:     ent.PartitionKey,
		ColumnID:    ent.ColumnID,
		UserID:      ent.UserID,
		CreatedAt:   parseTime(ent.CreatedAt),
		UpdatedAt:   parseTime(ent.UpdatedAt),
	}
}

func boardFromEntity(ent boardEntity) domain.Board {
	return domain.Board{
		ID:        ent.RowKey,
		Title:     ent.Title,
		UserID:    ent.UserID,
		CreatedAt: parseTime(ent.CreatedAt),
		UpdatedAt: parseTime(ent.UpdatedAt),
	}
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// mapTableError translates Azure table responses into the domain error
// taxonomy: 404 means the referenced entity is absent, anything else is
// treated as the storage collaborator being unavailable.
func mapTableError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return domain.ErrNotFound
		case http.StatusConflict:
			return fmt.Errorf("%w: entity already exists", domain.ErrStorageUnavailable)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}
