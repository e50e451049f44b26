package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"boardsync/domain"
)

func strPtr(s string) *string { return &s }

func TestTaskEntityRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	task := domain.Task{
		ID:          "t1",
		Title:       "Ship it",
		Description: "before friday",
		BoardID:     "b1",
		ColumnID:    "c1",
		UserID:      "u1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}

	got := taskFromEntity(taskToEntity(task))
	if got != task {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, task)
	}
}

func TestApplyTaskChangesMergesOnlySuppliedFields(t *testing.T) {
	ent := taskToEntity(domain.Task{
		ID:          "t1",
		Title:       "old",
		Description: "keep me",
		BoardID:     "b1",
		ColumnID:    "c1",
		UserID:      "u1",
	})

	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	applyTaskChanges(&ent, domain.UpdateTaskPayload{
		TaskID:  "t1",
		BoardID: "b1",
		Title:   strPtr("new"),
	}, now)

	if ent.Title != "new" {
		t.Fatalf("expected title updated, got %q", ent.Title)
	}
	if ent.Description != "keep me" {
		t.Fatalf("absent fields must not be touched, got %q", ent.Description)
	}
	if ent.ColumnID != "c1" {
		t.Fatalf("absent columnId must not be touched, got %q", ent.ColumnID)
	}
	if ent.UpdatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected UpdatedAt refreshed, got %q", ent.UpdatedAt)
	}
}

func TestApplyTaskChangesMovesColumn(t *testing.T) {
	ent := taskToEntity(domain.Task{ID: "t1", BoardID: "b1", ColumnID: "c1"})

	applyTaskChanges(&ent, domain.UpdateTaskPayload{
		TaskID:   "t1",
		BoardID:  "b1",
		ColumnID: strPtr("c2"),
	}, time.Now().UTC())

	if ent.ColumnID != "c2" {
		t.Fatalf("expected column moved to c2, got %q", ent.ColumnID)
	}
	if ent.PartitionKey != "b1" {
		t.Fatalf("board partition must not change on move, got %q", ent.PartitionKey)
	}
}

func TestApplyColumnChanges(t *testing.T) {
	ent := columnToEntity(domain.Column{ID: "c1", Title: "old", BoardID: "b1"})

	applyColumnChanges(&ent, domain.UpdateColumnPayload{
		ColumnID: "c1",
		BoardID:  "b1",
		Title:    strPtr("new"),
	}, time.Now().UTC())

	if ent.Title != "new" {
		t.Fatalf("expected title updated, got %q", ent.Title)
	}
}

func TestApplyBoardChangesWithoutFieldsOnlyTouchesTimestamp(t *testing.T) {
	ent := boardEntity{Title: "keep"}

	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	applyBoardChanges(&ent, domain.UpdateBoardPayload{BoardID: "b1"}, now)

	if ent.Title != "keep" {
		t.Fatalf("expected title untouched, got %q", ent.Title)
	}
	if ent.UpdatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected UpdatedAt refreshed, got %q", ent.UpdatedAt)
	}
}

func TestMapTableErrorNotFound(t *testing.T) {
	err := mapTableError(&azcore.ResponseError{StatusCode: 404})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMapTableErrorUnavailable(t *testing.T) {
	for _, cause := range []error{
		&azcore.ResponseError{StatusCode: 503},
		errors.New("dial tcp: connection refused"),
	} {
		err := mapTableError(cause)
		if !errors.Is(err, domain.ErrStorageUnavailable) {
			t.Fatalf("expected ErrStorageUnavailable for %v, got %v", cause, err)
		}
	}
}

func TestParseTimeInvalidFallsBackToZero(t *testing.T) {
	if got := parseTime("not a timestamp"); !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}
