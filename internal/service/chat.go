package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/relay"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

// Relayer runs one assistant turn. relay.Relay implements it.
type Relayer interface {
	Process(ctx context.Context, req *model.ChatRequest, progress relay.ProgressFunc) *relay.Result
}

// ChatService runs relay turns and, when the request names a conversation,
// persists both sides of the turn.
type ChatService struct {
	relay         Relayer
	conversations *ConversationService
	events        EventPublisher
	logger        *logger.Logger
}

// NewChatService creates a new chat service. conversations and events may be nil.
func NewChatService(r Relayer, conversations *ConversationService, events EventPublisher, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.Global()
	}
	return &ChatService{
		relay:         r,
		conversations: conversations,
		events:        events,
		logger:        log.Named("chat"),
	}
}

// Process runs a turn and streams snapshots to progress. Persistence and
// event failures are logged and never change the returned result.
func (s *ChatService) Process(ctx context.Context, ownerID string, req *model.ChatRequest, progress relay.ProgressFunc) *relay.Result {
	persist := req.ConversationUUID != "" && s.conversations != nil
	log := s.logger.With(
		zap.String("owner_id", ownerID),
		zap.String("conversation_uuid", req.ConversationUUID),
	)

	if persist {
		_, err := s.conversations.AppendMessage(ctx, ownerID, req.ConversationUUID, &model.AppendMessageRequest{
			Role:    model.RoleUser,
			Content: req.Prompt,
			Images:  req.Images,
			Files:   req.Files,
		})
		if err != nil {
			log.Warn("failed to persist user turn", zap.Error(err))
		}
	}

	start := time.Now()
	res := s.relay.Process(ctx, req, progress)

	if persist && res.Succeeded() && res.Data != nil {
		// the caller may already be gone once the stream has ended
		_, err := s.conversations.AppendMessage(context.WithoutCancel(ctx), ownerID, req.ConversationUUID, &model.AppendMessageRequest{
			Role:    model.RoleAssistant,
			Content: res.Data.Text,
		})
		if err != nil {
			log.Warn("failed to persist assistant turn", zap.Error(err))
		}
	}

	s.publishTurn(ctx, ownerID, req, res, time.Since(start))
	return res
}

func (s *ChatService) publishTurn(ctx context.Context, ownerID string, req *model.ChatRequest, res *relay.Result, elapsed time.Duration) {
	meta := map[string]any{"duration_ms": elapsed.Milliseconds()}
	if req.Model != "" {
		meta["model"] = req.Model
	}
	if res.Data != nil {
		meta["message_id"] = res.Data.ID
		meta["chars"] = len(res.Data.Text)
	}

	publishEvent(ctx, s.events, s.logger, &model.ConversationEvent{
		ID:               uuid7(),
		ConversationUUID: req.ConversationUUID,
		OwnerID:          ownerID,
		Type:             turnEventType(res),
		Reason:           res.Message,
		Metadata:         meta,
		CreatedAt:        time.Now().UTC(),
	})
}

func turnEventType(res *relay.Result) model.EventType {
	switch {
	case res.Succeeded():
		return model.EventTurnCompleted
	case res.Cancelled():
		return model.EventTurnCancelled
	case res.TimedOut():
		return model.EventTurnTimeout
	default:
		return model.EventTurnFailed
	}
}
