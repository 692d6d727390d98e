// Package orchestrator is the chat intake service: it serializes each user's
// traffic through the session coordinator, drives the conversational graph,
// and settles the session lock from the run's outcome.
package orchestrator

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/session"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	busyNotice  = "I'm still working on your previous message. Give me a moment and send it again."
	errorNotice = "Something went wrong while handling your message. Please try again."
)

// Publisher delivers messages to the outgoing chat stream.
type Publisher interface {
	Publish(ctx context.Context, msg *v1.OutgoingMessage) error
}

// Runner drives one checkpointed graph execution. *graph.Graph satisfies it.
type Runner interface {
	Run(ctx context.Context, threadID string, seed graph.Update) (*graph.State, error)
}

// Service routes incoming chat messages into graph executions.
type Service struct {
	sessions *session.Coordinator
	graph    Runner
	store    graph.CheckpointStore
	chat     Publisher
	logger   *logger.Logger
}

// NewService creates the intake service.
func NewService(sessions *session.Coordinator, g Runner, store graph.CheckpointStore, chat Publisher, log *logger.Logger) *Service {
	return &Service{
		sessions: sessions,
		graph:    g,
		store:    store,
		chat:     chat,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
}

// HandleMessage processes one incoming chat message end to end. A busy
// session rejects the message with a notice and no graph run; everything
// else drives the user's thread and settles the lock afterwards.
func (s *Service) HandleMessage(ctx context.Context, msg *v1.UserMessage) error {
	threadID, continued, err := s.sessions.ContinueOrStart(ctx, msg.UserID)
	if err != nil {
		if stderrors.Is(err, session.ErrBusy) {
			s.notify(ctx, msg, busyNotice)
			return nil
		}
		return err
	}

	log := s.logger.WithFields(
		zap.Int64("user_id", msg.UserID),
		zap.String("thread_id", threadID),
		zap.String("correlation_id", msg.CorrelationID))

	seed := graph.Update{
		graph.KeyMessages:       []llm.Message{llm.UserMessage(msg.Text)},
		graph.KeyTelegramUserID: msg.UserID,
		graph.KeyChatID:         msg.ChatID,
		graph.KeyCorrelationID:  msg.CorrelationID,
	}
	if continued {
		// The user answered the pending question; clear the wait flag so the
		// router loops instead of ending immediately.
		seed[graph.KeyAwaitingUserResponse] = false
	}

	st, runErr := s.graph.Run(ctx, threadID, seed)
	if runErr != nil {
		log.WithError(runErr).Error("graph run failed")
		if err := s.sessions.Release(ctx, msg.UserID); err != nil {
			log.Warn("failed to release session after run error", zap.Error(err))
		}
		s.notify(ctx, msg, errorNotice)
		return runErr
	}

	return s.settle(ctx, msg, threadID, st, log)
}

// settle resolves the session lock from the finished run's state.
func (s *Service) settle(ctx context.Context, msg *v1.UserMessage, threadID string, st *graph.State, log *logger.Logger) error {
	switch {
	case st.UserConfirmedComplete:
		// Task done: drop the thread so the next message starts fresh.
		if err := s.store.Delete(ctx, threadID); err != nil {
			log.Warn("failed to delete finished thread checkpoint", zap.Error(err))
		}
		if err := s.sessions.Release(ctx, msg.UserID); err != nil {
			return err
		}
		log.Info("thread completed")
		return nil

	case st.AwaitingUserResponse:
		if err := s.sessions.UpdateState(ctx, msg.UserID, session.StateAwaiting); err != nil {
			return err
		}
		log.Debug("thread awaiting user response")
		return nil

	default:
		// The run ended without a delivered reply. A bare-text assistant turn
		// never reached the user (only respond_to_user publishes), so forward
		// it before releasing.
		if last := st.LastAssistantMessage(); last != nil && len(last.ToolCalls) == 0 && last.Content != "" {
			s.notify(ctx, msg, last.Content)
		}
		if err := s.sessions.Release(ctx, msg.UserID); err != nil {
			return err
		}
		log.Debug("thread run ended, session released")
		return nil
	}
}

func (s *Service) notify(ctx context.Context, msg *v1.UserMessage, text string) {
	if err := s.chat.Publish(ctx, &v1.OutgoingMessage{
		UserID:        msg.UserID,
		ChatID:        msg.ChatID,
		Text:          text,
		CorrelationID: msg.CorrelationID,
	}); err != nil {
		s.logger.Warn("failed to publish chat notice",
			zap.Int64("user_id", msg.UserID),
			zap.Error(err))
	}
}
