// Package control implements the Redis-stream control plane between the
// orchestrator and the agent manager: commands in on one stream, correlated
// responses out on another, plus per-agent streams for structured replies,
// command exits and state transitions.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/agent/lifecycle"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const (
	// CommandStream carries control-plane commands to the agent manager.
	CommandStream = "cli-agent:commands"
	// ResponseStream carries correlated responses back.
	ResponseStream = "cli-agent:responses"

	consumerGroup = "agent-manager"

	// Per-agent stream suffixes.
	replySuffix  = ":response"
	exitSuffix   = ":command_exit"
	statusSuffix = ":status"

	agentStreamTTL = 24 * time.Hour
)

// AgentStream returns the per-agent stream name for a suffix.
func AgentStream(agentID, suffix string) string {
	return "agents:" + agentID + suffix
}

// manager is the lifecycle surface the server drives. Tests substitute a fake.
type manager interface {
	Create(ctx context.Context, cfg *v1.ContainerConfig) (*lifecycle.Instance, error)
	SendMessage(ctx context.Context, agentID, text string, timeout time.Duration) (*v1.MessageResult, error)
	SendCommand(ctx context.Context, agentID string, cmd []string, timeout time.Duration) (*v1.CommandResult, error)
	SendFile(ctx context.Context, agentID, path string, content []byte) error
	Status(ctx context.Context, agentID string) (*v1.AgentInfo, error)
	Logs(ctx context.Context, agentID string, tail string) (string, error)
	Delete(ctx context.Context, agentID string) error
}

// Server consumes the command stream and executes commands against the
// lifecycle manager.
type Server struct {
	rdb      *redis.Client
	mgr      manager
	consumer string
	logger   *logger.Logger
}

// NewServer creates a control-plane server. The consumer name must be unique
// per process within the consumer group.
func NewServer(rdb *redis.Client, mgr manager, consumer string, log *logger.Logger) *Server {
	return &Server{
		rdb:      rdb,
		mgr:      mgr,
		consumer: consumer,
		logger:   log.WithFields(zap.String("component", "control-server")),
	}
}

// Run consumes commands until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("control server started",
		zap.String("stream", CommandStream),
		zap.String("consumer", s.consumer))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: s.consumer,
			Streams:  []string{CommandStream, ">"},
			Count:    8,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to read command stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				s.processEntry(ctx, entry)
			}
		}
	}
}

func (s *Server) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, CommandStream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *Server) processEntry(ctx context.Context, entry redis.XMessage) {
	raw, _ := entry.Values["data"].(string)
	var cmd v1.Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		s.logger.Warn("dropping malformed command entry",
			zap.String("entry_id", entry.ID), zap.Error(err))
		s.ack(ctx, entry.ID)
		return
	}

	resp := s.handleCommand(ctx, &cmd)
	s.respond(ctx, resp)
	s.ack(ctx, entry.ID)
}

// handleCommand executes one control-plane command and builds its response.
func (s *Server) handleCommand(ctx context.Context, cmd *v1.Command) *v1.Response {
	log := s.logger.WithFields(
		zap.String("request_id", cmd.RequestID),
		zap.String("cmd", string(cmd.Cmd)),
		zap.String("agent_id", cmd.AgentID))
	log.Debug("handling control command")

	result, err := s.execute(ctx, cmd)
	if err != nil {
		log.Warn("control command failed", zap.Error(err))
		return &v1.Response{
			RequestID: cmd.RequestID,
			OK:        false,
			Error:     err.Error(),
			ErrorType: apperrors.Code(err),
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &v1.Response{
			RequestID: cmd.RequestID,
			OK:        false,
			Error:     "failed to encode result",
			ErrorType: apperrors.ErrCodeInternalError,
		}
	}
	return &v1.Response{RequestID: cmd.RequestID, OK: true, Result: data}
}

func (s *Server) execute(ctx context.Context, cmd *v1.Command) (interface{}, error) {
	switch cmd.Cmd {
	case v1.CmdCreate:
		var cfg v1.ContainerConfig
		if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
			return nil, apperrors.BadRequest("malformed create payload")
		}
		inst, err := s.mgr.Create(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		s.publishStatus(ctx, inst.ID, inst.State)
		return map[string]string{"agent_id": inst.ID}, nil

	case v1.CmdSendMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, apperrors.BadRequest("malformed message payload")
		}
		s.publishStatus(ctx, cmd.AgentID, v1.AgentStateRunning)
		result, err := s.mgr.SendMessage(ctx, cmd.AgentID, p.Text,
			time.Duration(p.TimeoutSeconds)*time.Second)
		if err != nil {
			s.publishStatus(ctx, cmd.AgentID, v1.AgentStateError)
			return nil, err
		}
		s.publishReply(ctx, cmd.AgentID, result)
		s.publishStatus(ctx, cmd.AgentID, v1.AgentStateIdle)
		return result, nil

	case v1.CmdSendCommand:
		var p v1.CommandPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, apperrors.BadRequest("malformed command payload")
		}
		result, err := s.mgr.SendCommand(ctx, cmd.AgentID,
			[]string{"/bin/sh", "-c", p.Command},
			time.Duration(p.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		s.publishExit(ctx, cmd.AgentID, p.Command, result.ExitCode)
		return result, nil

	case v1.CmdSendFile:
		var p v1.FilePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, apperrors.BadRequest("malformed file payload")
		}
		content, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, apperrors.BadRequest("file content is not valid base64")
		}
		if err := s.mgr.SendFile(ctx, cmd.AgentID, p.Path, content); err != nil {
			return nil, err
		}
		return map[string]string{"path": p.Path}, nil

	case v1.CmdStatus:
		return s.mgr.Status(ctx, cmd.AgentID)

	case v1.CmdLogs:
		logs, err := s.mgr.Logs(ctx, cmd.AgentID, "200")
		if err != nil {
			return nil, err
		}
		return map[string]string{"logs": logs}, nil

	case v1.CmdDelete:
		if err := s.mgr.Delete(ctx, cmd.AgentID); err != nil {
			return nil, err
		}
		s.publishStatus(ctx, cmd.AgentID, v1.AgentStateDeleted)
		return map[string]string{"agent_id": cmd.AgentID}, nil

	default:
		return nil, apperrors.BadRequest("unknown command: " + string(cmd.Cmd))
	}
}

func (s *Server) respond(ctx context.Context, resp *v1.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ResponseStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		s.logger.Error("failed to publish response",
			zap.String("request_id", resp.RequestID), zap.Error(err))
	}
}

func (s *Server) ack(ctx context.Context, entryID string) {
	if err := s.rdb.XAck(ctx, CommandStream, consumerGroup, entryID).Err(); err != nil {
		s.logger.Warn("failed to ack command entry",
			zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (s *Server) publishReply(ctx context.Context, agentID string, result *v1.MessageResult) {
	s.publishAgent(ctx, AgentStream(agentID, replySuffix), v1.AgentReply{
		AgentID:  agentID,
		Reply:    result.Response,
		Metadata: result.Metadata,
		At:       time.Now(),
	})
}

func (s *Server) publishExit(ctx context.Context, agentID, command string, exitCode int) {
	s.publishAgent(ctx, AgentStream(agentID, exitSuffix), v1.CommandExit{
		AgentID:  agentID,
		Command:  command,
		ExitCode: exitCode,
		At:       time.Now(),
	})
}

func (s *Server) publishStatus(ctx context.Context, agentID string, state v1.AgentState) {
	if agentID == "" {
		return
	}
	s.publishAgent(ctx, AgentStream(agentID, statusSuffix), v1.StatusEvent{
		AgentID: agentID,
		State:   state,
		At:      time.Now(),
	})
}

func (s *Server) publishAgent(ctx context.Context, stream string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Expire(ctx, stream, agentStreamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to publish agent stream entry",
			zap.String("stream", stream), zap.Error(err))
	}
}
