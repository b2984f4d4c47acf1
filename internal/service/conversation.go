// Package service provides business logic on top of the relay and the stores.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/store"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
	"github.com/capitalize-ai/chatrelay/pkg/metrics"
)

var (
	// ErrInvalidMessage is returned for an append whose role or attachments are unusable.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrEventsUnavailable is returned by Events when no event log is configured.
	ErrEventsUnavailable = errors.New("event log unavailable")
)

// ConversationStore is the persistence the services need. store.SQLiteStore implements it.
type ConversationStore interface {
	List(ctx context.Context, ownerID string) ([]model.Conversation, error)
	Get(ctx context.Context, uuid, ownerID string) (model.Conversation, bool, error)
	Create(ctx context.Context, uuid, ownerID, title string) (model.Conversation, error)
	Rename(ctx context.Context, uuid, ownerID, title string) (model.Conversation, error)
	Delete(ctx context.Context, uuid, ownerID string) error
	AppendMessage(ctx context.Context, uuid, ownerID string, msg model.NewMessage) (model.Message, error)
	ListMessages(ctx context.Context, uuid, ownerID string) ([]model.Message, error)
	ClearMessages(ctx context.Context, uuid, ownerID string) error
}

// BlobStore holds attachment bytes. store.ContentStore implements it.
type BlobStore interface {
	Put(a model.Attachment) (model.BlobRef, error)
	Get(ref model.BlobRef) (model.Attachment, bool)
}

// EventPublisher receives conversation events. A nil publisher disables events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// EventReader replays the events of a conversation. nats.StreamManager implements it.
type EventReader interface {
	Events(ctx context.Context, ownerID, uuid string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// ConversationService handles conversation operations.
type ConversationService struct {
	store  ConversationStore
	blobs  BlobStore
	events EventPublisher
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. events may be nil.
func NewConversationService(store ConversationStore, blobs BlobStore, events EventPublisher, log *logger.Logger) *ConversationService {
	if log == nil {
		log = logger.Global()
	}
	return &ConversationService{
		store:  store,
		blobs:  blobs,
		events: events,
		logger: log.Named("conversations"),
	}
}

// List returns the owner's conversations, most recently updated first.
func (s *ConversationService) List(ctx context.Context, ownerID string) (*model.ListConversationsResponse, error) {
	convs, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Get returns the conversation with its messages. Absent and foreign
// conversations both report ErrConversationNotFound from the store.
func (s *ConversationService) Get(ctx context.Context, ownerID, uuid string) (*model.ConversationDetail, error) {
	conv, ok, err := s.store.Get(ctx, uuid, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrConversationNotFound, uuid)
	}

	msgs, err := s.store.ListMessages(ctx, uuid, ownerID)
	if err != nil {
		return nil, err
	}
	return &model.ConversationDetail{Conversation: conv, Messages: msgs}, nil
}

// Create creates a conversation. An empty uuid gets a fresh one.
func (s *ConversationService) Create(ctx context.Context, ownerID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	id := req.UUID
	if id == "" {
		id = uuid.NewString()
	}

	conv, err := s.store.Create(ctx, id, ownerID, req.Title)
	if err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_uuid", conv.UUID),
		zap.String("owner_id", ownerID),
	)
	s.publish(ctx, ownerID, conv.UUID, model.EventConversationCreated, "", map[string]any{"title": conv.Title})

	return &conv, nil
}

// Rename sets a conversation's title.
func (s *ConversationService) Rename(ctx context.Context, ownerID, uuid string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	conv, err := s.store.Rename(ctx, uuid, ownerID, req.Title)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ownerID, uuid, model.EventConversationRenamed, "", map[string]any{"title": conv.Title})
	return &conv, nil
}

// Delete removes a conversation and its messages. Blobs stay in place since
// other messages may share them.
func (s *ConversationService) Delete(ctx context.Context, ownerID, uuid string) error {
	if err := s.store.Delete(ctx, uuid, ownerID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted",
		zap.String("conversation_uuid", uuid),
		zap.String("owner_id", ownerID),
	)
	s.publish(ctx, ownerID, uuid, model.EventConversationDeleted, "", nil)
	return nil
}

// Clear drops every message of a conversation and keeps the conversation.
func (s *ConversationService) Clear(ctx context.Context, ownerID, uuid string) error {
	if err := s.store.ClearMessages(ctx, uuid, ownerID); err != nil {
		return err
	}
	s.publish(ctx, ownerID, uuid, model.EventConversationCleared, "", nil)
	return nil
}

// AppendMessage stores the attachments of req in the blob store and appends a
// message that refers to them. The conversation is created if missing.
func (s *ConversationService) AppendMessage(ctx context.Context, ownerID, uuid string, req *model.AppendMessageRequest) (*model.Message, error) {
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, req.Role)
	}

	msg := model.NewMessage{
		Role:     req.Role,
		Content:  req.Content,
		Thinking: req.Thinking,
	}
	for i, img := range req.Images {
		ref, err := s.blobs.Put(model.Attachment{Data: img})
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %w", ErrInvalidMessage, i, err)
		}
		msg.Images = append(msg.Images, ref)
	}
	for i, f := range req.Files {
		ref, err := s.blobs.Put(f)
		if err != nil {
			return nil, fmt.Errorf("%w: file %d: %w", ErrInvalidMessage, i, err)
		}
		msg.Files = append(msg.Files, ref)
	}

	stored, err := s.store.AppendMessage(ctx, uuid, ownerID, msg)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(stored.Role)).Inc()
	s.publish(ctx, ownerID, uuid, model.EventMessageAppended, "", map[string]any{
		"message_id": stored.ID,
		"role":       string(stored.Role),
	})

	return &stored, nil
}

// ListMessages returns the conversation's messages with blob refs only.
func (s *ConversationService) ListMessages(ctx context.Context, ownerID, uuid string) ([]model.Message, error) {
	return s.store.ListMessages(ctx, uuid, ownerID)
}

// Blob hydrates a single blob ref.
func (s *ConversationService) Blob(ref model.BlobRef) (model.Attachment, bool) {
	return s.blobs.Get(ref)
}

// Events replays a conversation's events from the event log, when the
// configured publisher can also read them back.
func (s *ConversationService) Events(ctx context.Context, ownerID, uuid string, afterSequence uint64, limit int) (*model.ListEventsResponse, error) {
	reader, ok := s.events.(EventReader)
	if !ok {
		return nil, ErrEventsUnavailable
	}
	events, last, more, err := reader.Events(ctx, ownerID, uuid, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	return &model.ListEventsResponse{Events: events, LastSequence: last, HasMore: more}, nil
}

// publish sends an event. Failures are logged and never surface to the caller.
func (s *ConversationService) publish(ctx context.Context, ownerID, uuid string, typ model.EventType, reason string, meta map[string]any) {
	publishEvent(ctx, s.events, s.logger, &model.ConversationEvent{
		ID:               uuid7(),
		ConversationUUID: uuid,
		OwnerID:          ownerID,
		Type:             typ,
		Reason:           reason,
		Metadata:         meta,
		CreatedAt:        time.Now().UTC(),
	})
}

func publishEvent(ctx context.Context, events EventPublisher, log *logger.Logger, event *model.ConversationEvent) {
	if events == nil {
		return
	}
	seq, err := events.PublishEvent(context.WithoutCancel(ctx), event)
	if err != nil {
		log.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("conversation_uuid", event.ConversationUUID),
			zap.Error(err),
		)
		return
	}
	event.Sequence = seq
}

func uuid7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
