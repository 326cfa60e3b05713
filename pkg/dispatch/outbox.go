// Package dispatch hands outbound work (activity posting, bot-control
// commands) to external workers through a Redis-backed outbox. The core only
// enqueues and records outcomes it is told about; failed dispatches land in
// a dead-letter set with a narrow manual replay trigger.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/workflow"
)

// CommandKind names the worker that should consume a command.
type CommandKind string

const (
	KindPublishActivity CommandKind = "publish_activity"
	KindBotControl      CommandKind = "bot_control"
)

// Command is one outbound dispatch unit.
type Command struct {
	ID         string          `json:"id"`
	Kind       CommandKind     `json:"kind"`
	ItemType   string          `json:"item_type,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

const (
	queueKey      = "tribunal:dispatch:queue"
	deadLetterKey = "tribunal:dispatch:deadletters"
)

// Outbox enqueues commands for external workers. Enqueue is fire-and-forget:
// a Redis failure is logged and reported to the caller's logs, never bubbled
// into the decision that triggered it.
type Outbox struct {
	client *redis.Client
	trail  *audit.Trail
	clock  func() time.Time
	logger *slog.Logger
}

// NewOutbox connects the outbox to Redis.
func NewOutbox(addr, password string, db int, trail *audit.Trail) *Outbox {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Outbox{
		client: rdb,
		trail:  trail,
		clock:  time.Now,
		logger: slog.Default().With("component", "dispatch"),
	}
}

// NewOutboxWithClient injects a client, used by tests against miniredis-like
// fakes or a shared pool.
func NewOutboxWithClient(client *redis.Client, trail *audit.Trail) *Outbox {
	return &Outbox{
		client: client,
		trail:  trail,
		clock:  time.Now,
		logger: slog.Default().With("component", "dispatch"),
	}
}

// EnqueuePublish implements workflow.Publisher for approved activities.
func (o *Outbox) EnqueuePublish(ctx context.Context, item *workflow.Item) error {
	payload, _ := json.Marshal(item)
	return o.enqueue(ctx, Command{
		Kind:     KindPublishActivity,
		ItemType: string(item.Type),
		ItemID:   item.ID,
		Payload:  payload,
	})
}

// EnqueueBotCommand queues a bot-control command for the external bot
// worker.
func (o *Outbox) EnqueueBotCommand(ctx context.Context, payload json.RawMessage) error {
	return o.enqueue(ctx, Command{Kind: KindBotControl, Payload: payload})
}

func (o *Outbox) enqueue(ctx context.Context, cmd Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	cmd.Attempts++
	cmd.EnqueuedAt = o.clock().UTC()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("serialize dispatch command: %w", err)
	}
	if err := o.client.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue dispatch command %s: %w", cmd.ID, err)
	}
	return nil
}

// RecordFailure moves a command the worker reported as failed into the
// dead-letter set.
func (o *Outbox) RecordFailure(ctx context.Context, cmd Command, cause string) error {
	cmd.LastError = cause
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("serialize dead letter: %w", err)
	}
	if err := o.client.HSet(ctx, deadLetterKey, cmd.ID, data).Err(); err != nil {
		return fmt.Errorf("record dead letter %s: %w", cmd.ID, err)
	}
	return nil
}

// ListDeadLetters returns the retained failed dispatches.
func (o *Outbox) ListDeadLetters(ctx context.Context) ([]Command, error) {
	raw, err := o.client.HGetAll(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]Command, 0, len(raw))
	for id, data := range raw {
		var cmd Command
		if err := json.Unmarshal([]byte(data), &cmd); err != nil {
			o.logger.Error("corrupt dead letter skipped", "id", id, "error", err)
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Replay re-issues a dead-lettered command and removes it from the
// dead-letter set. Requires dispatch.replay; the replay is audited.
func (o *Outbox) Replay(ctx context.Context, p authz.Principal, commandID string) (*Command, error) {
	if !p.HasAll(authz.CapDispatchReplay) {
		return nil, faults.Forbidden("missing capability dispatch.replay")
	}

	data, err := o.client.HGet(ctx, deadLetterKey, commandID).Result()
	if err == redis.Nil {
		return nil, faults.NotFound("dead letter %s not found", commandID)
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s: %w", commandID, err)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return nil, fmt.Errorf("corrupt dead letter %s: %w", commandID, err)
	}
	cmd.LastError = ""
	if err := o.enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	if err := o.client.HDel(ctx, deadLetterKey, commandID).Err(); err != nil {
		return nil, fmt.Errorf("remove dead letter %s: %w", commandID, err)
	}

	if o.trail != nil {
		if _, err := o.trail.Append(audit.Record{
			ActorID: p.ID,
			Action:  "dispatch.replay",
			ItemID:  commandID,
			Outcome: audit.OutcomeAccepted,
		}); err != nil {
			o.logger.Error("audit append failed", "command_id", commandID, "error", err)
		}
	}
	return &cmd, nil
}
