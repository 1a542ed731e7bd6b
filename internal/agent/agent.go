// Package agent orchestrates one inbound customer message end to end:
// persist the user turn, assemble budgeted context, call the model, persist
// the reply. A Finite State Machine keeps the step ordering and the
// partial-success contract explicit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/storely/concierge-go/internal/budget"
	"github.com/storely/concierge-go/internal/llm"
	"github.com/storely/concierge-go/internal/logger"
	"github.com/storely/concierge-go/internal/store"
)

// FSM States
type FSMState stateless.State

var (
	StateReceived        FSMState = "Received"
	StateUserPersisted   FSMState = "UserPersisted"
	StateHistoryFetched  FSMState = "HistoryFetched"
	StateContextBudgeted FSMState = "ContextBudgeted"
	StateReplied         FSMState = "Replied"
	StateAiPersisted     FSMState = "AiPersisted" // Terminal: full success
	StateDegraded        FSMState = "Degraded"    // Terminal: user turn durable, reply lost
	StateFailed          FSMState = "Failed"      // Terminal: storage failure
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerSendRequested    FSMTrigger = "SendRequested"
	TriggerUserSaved        FSMTrigger = "UserSaved"
	TriggerHistoryLoaded    FSMTrigger = "HistoryLoaded"
	TriggerContextReady     FSMTrigger = "ContextReady"
	TriggerReplyReceived    FSMTrigger = "ReplyReceived"
	TriggerReplySaved       FSMTrigger = "ReplySaved"
	TriggerCompletionFailed FSMTrigger = "CompletionFailed"
	TriggerStorageFailed    FSMTrigger = "StorageFailed"
)

// ErrCompletion marks a failed or malformed model call. The user's message
// is already durable when this surfaces; only the reply was lost.
var ErrCompletion = errors.New("agent: completion failed")

// ApologyMessage is the fixed user-facing text for the degraded branch,
// distinct from validation and rate-limit errors.
const ApologyMessage = "Sorry, I couldn't come up with a reply just now. Your message was saved, please try again in a moment."

// fallbackReply substitutes blank model output so an empty ai turn is never persisted.
const fallbackReply = "I'm not sure how to answer that. Could you rephrase your question?"

const defaultSystemPrompt = "You are a helpful support assistant for an online store. Answer the customer's question accurately and concisely."

// ConversationStore is the slice of the message store the agent needs.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, id string) error
	InsertMessage(ctx context.Context, conversationID string, sender store.Sender, text string) (store.Message, error)
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// Config holds the agent tunables.
type Config struct {
	Model             string
	SystemPrompt      string
	HistoryLimit      int
	ContextBudget     int
	CompletionTimeout time.Duration
}

// Result is the successful outcome of Send.
type Result struct {
	Reply          string
	ConversationID string
}

// Agent is the reply orchestrator.
type Agent struct {
	llmClient llm.Client
	store     ConversationStore
	budgeter  *budget.Budgeter
	cfg       Config
}

// New creates a new agent. Zero-valued tunables get serviceable defaults.
func New(llmClient llm.Client, st ConversationStore, cfg Config) *Agent {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 2048
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 30 * time.Second
	}
	return &Agent{
		llmClient: llmClient,
		store:     st,
		budgeter:  &budget.Budgeter{Estimator: budget.CharEstimator{}},
		cfg:       cfg,
	}
}

// Send runs the message-handling state machine:
//
//	Received -> UserPersisted -> HistoryFetched -> ContextBudgeted -> Replied -> AiPersisted
//
// with a terminal Degraded branch when the completion call fails after the
// user turn is durable. Each persistence call commits independently; there
// is deliberately no cross-step transaction, so a dropped reply never loses
// the user's question. Nothing is retried automatically.
func (a *Agent) Send(ctx context.Context, conversationID, text string) (Result, error) {
	type fsmContext struct {
		userMsg   store.Message
		history   []store.Message
		selected  []budget.Turn
		usedUnits int
		reply     string
		lastError error
	}
	fsmCtx := &fsmContext{}

	fsm := stateless.NewStateMachine(StateReceived)

	// Received: make the conversation and the user's turn durable. This is
	// the correctness anchor for everything downstream.
	fsm.Configure(StateReceived).
		PermitReentry(TriggerSendRequested).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := a.store.EnsureConversation(ctx, conversationID); err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerStorageFailed)
			}
			msg, err := a.store.InsertMessage(ctx, conversationID, store.SenderUser, text)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerStorageFailed)
			}
			fsmCtx.userMsg = msg
			return fsm.FireCtx(ctx, TriggerUserSaved)
		}).
		Permit(TriggerUserSaved, StateUserPersisted).
		Permit(TriggerStorageFailed, StateFailed)

	// UserPersisted: load recent stored turns. The turn just inserted is
	// dropped from the result; the live text joins the context separately
	// so it is never counted twice.
	fsm.Configure(StateUserPersisted).
		OnEntry(func(ctx context.Context, _ ...any) error {
			recent, err := a.store.GetRecentMessages(ctx, conversationID, a.cfg.HistoryLimit)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerStorageFailed)
			}
			history := recent[:0:0]
			for _, m := range recent {
				if m.ID != fsmCtx.userMsg.ID {
					history = append(history, m)
				}
			}
			fsmCtx.history = history
			return fsm.FireCtx(ctx, TriggerHistoryLoaded)
		}).
		Permit(TriggerHistoryLoaded, StateHistoryFetched).
		Permit(TriggerStorageFailed, StateFailed)

	// HistoryFetched: prepend the live user message and trim to budget.
	// Pure step, cannot fail.
	fsm.Configure(StateHistoryFetched).
		OnEntry(func(ctx context.Context, _ ...any) error {
			turns := make([]budget.Turn, 0, len(fsmCtx.history)+1)
			turns = append(turns, budget.Turn{Role: openai.ChatMessageRoleUser, Content: text})
			for i := len(fsmCtx.history) - 1; i >= 0; i-- {
				turns = append(turns, toTurn(fsmCtx.history[i]))
			}
			fsmCtx.selected, fsmCtx.usedUnits = a.budgeter.Select(turns, a.cfg.ContextBudget)
			logger.L.Debug("context budgeted",
				"conversation_id", conversationID,
				"turns", len(fsmCtx.selected),
				"units", fsmCtx.usedUnits)
			return fsm.FireCtx(ctx, TriggerContextReady)
		}).
		Permit(TriggerContextReady, StateContextBudgeted)

	// ContextBudgeted: the one external call, under its own timeout. The
	// timeout is the only cancellation boundary; exceeding it is a
	// completion failure, not a crash.
	fsm.Configure(StateContextBudgeted).
		OnEntry(func(ctx context.Context, _ ...any) error {
			reply, err := a.complete(ctx, fsmCtx.selected)
			if err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerCompletionFailed)
			}
			if strings.TrimSpace(reply) == "" {
				reply = fallbackReply
			}
			fsmCtx.reply = reply
			return fsm.FireCtx(ctx, TriggerReplyReceived)
		}).
		Permit(TriggerReplyReceived, StateReplied).
		Permit(TriggerCompletionFailed, StateDegraded)

	// Replied: persist the ai turn.
	fsm.Configure(StateReplied).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if _, err := a.store.InsertMessage(ctx, conversationID, store.SenderAI, fsmCtx.reply); err != nil {
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerStorageFailed)
			}
			return fsm.FireCtx(ctx, TriggerReplySaved)
		}).
		Permit(TriggerReplySaved, StateAiPersisted).
		Permit(TriggerStorageFailed, StateFailed)

	fsm.Configure(StateAiPersisted)

	fsm.Configure(StateDegraded).
		OnEntry(func(_ context.Context, _ ...any) error {
			logger.L.Warn("completion failed after user turn persisted",
				"conversation_id", conversationID,
				"error", fsmCtx.lastError)
			return nil
		})

	fsm.Configure(StateFailed)

	// Kick off the chain; transitions run synchronously inside the fire.
	if err := fsm.FireCtx(ctx, TriggerSendRequested); err != nil {
		if fsmCtx.lastError == nil {
			fsmCtx.lastError = err
		}
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("agent: state machine: %w", err)
	}

	switch currentState {
	case StateAiPersisted:
		return Result{Reply: fsmCtx.reply, ConversationID: conversationID}, nil
	case StateDegraded:
		return Result{}, fmt.Errorf("%w: %w", ErrCompletion, fsmCtx.lastError)
	case StateFailed:
		return Result{}, fmt.Errorf("agent: send: %w", fsmCtx.lastError)
	default:
		if fsmCtx.lastError != nil {
			return Result{}, fmt.Errorf("agent: send: %w", fsmCtx.lastError)
		}
		return Result{}, fmt.Errorf("agent: send ended in unexpected state %v", currentState)
	}
}

// complete invokes the model with the fixed system preamble plus the
// budgeted turns in chronological order.
func (a *Agent) complete(ctx context.Context, selectedNewestFirst []budget.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CompletionTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(selectedNewestFirst)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: a.cfg.SystemPrompt,
	})
	for i := len(selectedNewestFirst) - 1; i >= 0; i-- {
		turn := selectedNewestFirst[i]
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	resp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

func toTurn(m store.Message) budget.Turn {
	role := openai.ChatMessageRoleUser
	if m.Sender == store.SenderAI {
		role = openai.ChatMessageRoleAssistant
	}
	return budget.Turn{Role: role, Content: m.Content}
}
