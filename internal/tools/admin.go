package tools

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/graph"
)

// adminTools is the admin bundle.
func adminTools(deps *Deps) []Tool {
	return []Tool{
		upsertUser(deps),
		getUser(deps),
	}
}

func upsertUser(deps *Deps) Tool {
	return &tool{
		name:        "upsert_user",
		description: "Create or update the user record for a chat identity.",
		schema: objectSchema(map[string]interface{}{
			"telegram_id": prop("integer", "The chat-transport user id"),
			"name":        prop("string", "Display name"),
		}, "telegram_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				TelegramID int64  `json:"telegram_id"`
				Name       string `json:"name"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed upsert_user input")
			}
			if args.TelegramID == 0 {
				return nil, apperrors.BadRequest("telegram_id must not be zero")
			}
			u, err := deps.API.UpsertUser(ctx, args.TelegramID, args.Name)
			if err != nil {
				return nil, err
			}
			return &Result{
				Content: fmt.Sprintf("user %s (telegram %d)", u.ID, u.TelegramID),
				Update:  graph.Update{graph.KeyUserID: u.ID},
			}, nil
		},
	}
}

func getUser(deps *Deps) Tool {
	return &tool{
		name:        "get_user",
		description: "Look up the user record for a chat identity.",
		schema: objectSchema(map[string]interface{}{
			"telegram_id": prop("integer", "The chat-transport user id"),
		}, "telegram_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				TelegramID int64 `json:"telegram_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed get_user input")
			}
			u, err := deps.API.GetUserByTelegram(ctx, args.TelegramID)
			if err != nil {
				return nil, err
			}
			name := u.Name
			if name == "" {
				name = "(unnamed)"
			}
			return &Result{Content: fmt.Sprintf("user %s: %s, telegram %d", u.ID, name, u.TelegramID)}, nil
		},
	}
}
