package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
	"boardsync/metrics"
)

// Store is the persistence collaborator consumed by the gateway. Every
// operation returns the persisted entity or one of the domain errors
// (ErrNotFound, ErrStorageUnavailable).
type Store interface {
	FetchColumn(ctx context.Context, boardID, columnID string) (domain.Column, error)
	CreateColumn(ctx context.Context, col domain.Column) (domain.Column, error)
	UpdateColumn(ctx context.Context, p domain.UpdateColumnPayload) (domain.Column, error)
	DeleteColumn(ctx context.Context, boardID, columnID string) error
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, p domain.UpdateTaskPayload) (domain.Task, error)
	DeleteTask(ctx context.Context, boardID, taskID string) error
	UpdateBoard(ctx context.Context, p domain.UpdateBoardPayload) (domain.Board, error)
	DeleteBoard(ctx context.Context, boardID string) error
}

// Journal records successfully broadcast mutations, best effort.
type Journal interface {
	Append(rec domain.JournalRecord)
}

// Gateway translates inbound mutation events into persistence calls and, on
// success, broadcast events addressed to the entity's owning board. Failures
// are reported to the originating session only; nothing that was not
// persisted is ever broadcast.
type Gateway struct {
	store       Store
	broadcaster *Broadcaster
	journal     Journal
	collector   *metrics.Collector
	tracer      trace.Tracer
	logger      *log.Logger
}

// NewGateway creates a Gateway. journal may be nil when no journal queue is
// configured.
func NewGateway(store Store, broadcaster *Broadcaster, journal Journal, collector *metrics.Collector, logger *log.Logger) *Gateway {
	return &Gateway{
		store:       store,
		broadcaster: broadcaster,
		journal:     journal,
		collector:   collector,
		tracer:      otel.Tracer("boardsync/realtime"),
		logger:      logger,
	}
}

// Handle dispatches one mutation event from the given session.
func (g *Gateway) Handle(ctx context.Context, s *Session, env domain.Envelope) {
	ctx, span := g.tracer.Start(ctx, "gateway.handle", trace.WithAttributes(
		attribute.String("mutation.event", env.Event),
		attribute.String("session.id", s.id),
	))
	defer span.End()

	var err error
	switch env.Event {
	case domain.ColumnCreate:
		err = g.createColumn(ctx, s, env.Data)
	case domain.ColumnUpdate:
		err = g.updateColumn(ctx, s, env.Data)
	case domain.ColumnDelete:
		err = g.deleteColumn(ctx, s, env.Data)
	case domain.TaskCreate:
		err = g.createTask(ctx, s, env.Data)
	case domain.TaskUpdate:
		err = g.updateTask(ctx, s, env.Data)
	case domain.TaskDelete:
		err = g.deleteTask(ctx, s, env.Data)
	case domain.BoardUpdate:
		err = g.updateBoard(ctx, s, env.Data)
	case domain.BoardDelete:
		err = g.deleteBoard(ctx, s, env.Data)
	default:
		err = domain.NewValidationError("unknown event " + env.Event)
		s.deliverFailure(domain.ErrorEvent, err.Error())
		g.collector.RecordMutationFailure(env.Event, "unknown_event")
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.fail(s, env.Event, err)
	}
}

// fail classifies the error, reports it to the origin session and records
// it. The connection stays open for every failure class.
func (g *Gateway) fail(s *Session, event string, err error) {
	reason := "storage"
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		reason = "validation"
	case errors.Is(err, domain.ErrNotFound):
		reason = "not_found"
	}

	g.collector.RecordMutationFailure(event, reason)
	g.logger.WithFields(log.Fields{
		"event":   event,
		"session": s.id,
		"reason":  reason,
	}).Warnf("mutation failed: %v", err)
	s.deliverFailure(domain.FailureEvent(event), err.Error())
}

func (g *Gateway) createColumn(ctx context.Context, s *Session, data []byte) error {
	var p domain.CreateColumnPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.BoardID == "" || p.Title == "" {
		return domain.NewValidationError("boardId and title are required")
	}

	now := time.Now().UTC()
	created, err := g.store.CreateColumn(ctx, domain.Column{
		ID:        uuid.NewString(),
		Title:     p.Title,
		BoardID:   p.BoardID,
		UserID:    s.user.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.ColumnCreate, created)
	return nil
}

func (g *Gateway) updateColumn(ctx context.Context, s *Session, data []byte) error {
	var p domain.UpdateColumnPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.ColumnID == "" || p.BoardID == "" {
		return domain.NewValidationError("columnId and boardId are required")
	}

	updated, err := g.store.UpdateColumn(ctx, p)
	if err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.ColumnUpdate, updated)
	return nil
}

func (g *Gateway) deleteColumn(ctx context.Context, s *Session, data []byte) error {
	var p domain.DeleteColumnPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.ColumnID == "" || p.BoardID == "" {
		return domain.NewValidationError("columnId and boardId are required")
	}

	// Child tasks are not cascade-deleted here: one event per request.
	if err := g.store.DeleteColumn(ctx, p.BoardID, p.ColumnID); err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.ColumnDelete, domain.ColumnDeletedPayload{ColumnID: p.ColumnID, BoardID: p.BoardID})
	return nil
}

func (g *Gateway) createTask(ctx context.Context, s *Session, data []byte) error {
	var p domain.CreateTaskPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.BoardID == "" || p.ColumnID == "" || p.Title == "" {
		return domain.NewValidationError("boardId, columnId and title are required")
	}

	// The column lookup runs under the task's board partition, so a column
	// belonging to a different board comes back as not found. This keeps the
	// task's denormalized boardId consistent with its column.
	if _, err := g.store.FetchColumn(ctx, p.BoardID, p.ColumnID); err != nil {
		return err
	}

	now := time.Now().UTC()
	created, err := g.store.CreateTask(ctx, domain.Task{
		ID:          uuid.NewString(),
		Title:       p.Title,
		Description: p.Description,
		BoardID:     p.BoardID,
		ColumnID:    p.ColumnID,
		UserID:      s.user.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.TaskCreate, created)
	return nil
}

func (g *Gateway) updateTask(ctx context.Context, s *Session, data []byte) error {
	var p domain.UpdateTaskPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.TaskID == "" || p.BoardID == "" {
		return domain.NewValidationError("taskId and boardId are required")
	}

	if p.ColumnID != nil {
		if *p.ColumnID == "" {
			return domain.NewValidationError("columnId must not be empty")
		}
		if _, err := g.store.FetchColumn(ctx, p.BoardID, *p.ColumnID); err != nil {
			return err
		}
	}

	updated, err := g.store.UpdateTask(ctx, p)
	if err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.TaskUpdate, updated)
	return nil
}

func (g *Gateway) deleteTask(ctx context.Context, s *Session, data []byte) error {
	var p domain.DeleteTaskPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.TaskID == "" || p.BoardID == "" {
		return domain.NewValidationError("taskId and boardId are required")
	}

	if err := g.store.DeleteTask(ctx, p.BoardID, p.TaskID); err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.TaskDelete, domain.TaskDeletedPayload{TaskID: p.TaskID, BoardID: p.BoardID})
	return nil
}

func (g *Gateway) updateBoard(ctx context.Context, s *Session, data []byte) error {
	var p domain.UpdateBoardPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.BoardID == "" {
		return domain.NewValidationError("boardId is required")
	}

	updated, err := g.store.UpdateBoard(ctx, p)
	if err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.BoardUpdate, updated)
	return nil
}

func (g *Gateway) deleteBoard(ctx context.Context, s *Session, data []byte) error {
	var p domain.DeleteBoardPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.BoardID == "" {
		return domain.NewValidationError("boardId is required")
	}

	if err := g.store.DeleteBoard(ctx, p.BoardID); err != nil {
		return err
	}

	g.publish(s, p.BoardID, domain.BoardDelete, domain.BoardDeletedPayload{BoardID: p.BoardID})
	return nil
}

// publish broadcasts a committed mutation and journals it.
func (g *Gateway) publish(s *Session, boardID, event string, payload any) {
	g.broadcaster.Broadcast(boardID, event, payload, s.id)

	if g.journal != nil {
		data, err := sonic.ConfigStd.Marshal(payload)
		if err != nil {
			g.logger.Errorf("journal: marshal %s payload: %v", event, err)
			return
		}
		g.journal.Append(domain.JournalRecord{
			UserID:  s.user.ID,
			BoardID: boardID,
			Event:   event,
			Data:    data,
			Time:    time.Now().UnixNano(),
		})
	}
}
