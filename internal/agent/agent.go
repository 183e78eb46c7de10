package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/llm"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/session"
	"github.com/comigor/chatbroker/internal/shared"
)

// FSM States
type FSMState string

const (
	StateLookingUp      FSMState = "LookingUp"
	StateValidating     FSMState = "Validating"
	StateRecordingUser  FSMState = "RecordingUser"
	StateCompleting     FSMState = "Completing"
	StateRecordingReply FSMState = "RecordingReply"
	StateCommitting     FSMState = "Committing"
	StateDone           FSMState = "Done"   // Terminal: exchange persisted
	StateFailed         FSMState = "Failed" // Terminal: exchange rejected or aborted
)

// FSM Triggers
type FSMTrigger string

const (
	TriggerSessionFound     FSMTrigger = "SessionFound"
	TriggerSessionTrusted   FSMTrigger = "SessionTrusted"
	TriggerSessionValid     FSMTrigger = "SessionValid"
	TriggerUserRecorded     FSMTrigger = "UserRecorded"
	TriggerReplyReceived    FSMTrigger = "ReplyReceived"
	TriggerReplyDegraded    FSMTrigger = "ReplyDegraded"
	TriggerReplyRecorded    FSMTrigger = "ReplyRecorded"
	TriggerSessionCommitted FSMTrigger = "SessionCommitted"
	TriggerErrorOccurred    FSMTrigger = "ErrorOccurred"
)

// ExchangeResult is the outcome of one accepted exchange.
type ExchangeResult struct {
	SessionID      string `json:"session_id"`
	Reply          string `json:"text"`
	ConversationID string `json:"conversation_id"`
	Remaining      int    `json:"remaining"`
	// Degraded is set when the provider failed and Reply is empty for that reason.
	Degraded bool `json:"degraded"`
}

// Agent runs exchanges against the session and message stores.
type Agent struct {
	sessions  *session.Store
	messages  *history.Store
	completer llm.Completer
	locks     *keyedMutex
}

// New creates a new agent.
func New(sessions *session.Store, messages *history.Store, completer llm.Completer) *Agent {
	return &Agent{
		sessions:  sessions,
		messages:  messages,
		completer: completer,
		locks:     newKeyedMutex(),
	}
}

// newExchangeMachine wires the accept-a-message protocol. Each step is run by
// Exchange and reports the trigger that moves the machine on.
func newExchangeMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateLookingUp)

	fsm.Configure(StateLookingUp).
		Permit(TriggerSessionFound, StateValidating).
		Permit(TriggerSessionTrusted, StateRecordingUser).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateValidating).
		Permit(TriggerSessionValid, StateRecordingUser).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateRecordingUser).
		Permit(TriggerUserRecorded, StateCompleting).
		Permit(TriggerErrorOccurred, StateFailed)

	// Provider failures still record an (empty) reply.
	fsm.Configure(StateCompleting).
		Permit(TriggerReplyReceived, StateRecordingReply).
		Permit(TriggerReplyDegraded, StateRecordingReply)

	fsm.Configure(StateRecordingReply).
		Permit(TriggerReplyRecorded, StateCommitting).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateCommitting).
		Permit(TriggerSessionCommitted, StateDone).
		Permit(TriggerErrorOccurred, StateFailed)

	return fsm
}

// exchange carries the data shared between protocol steps.
type exchange struct {
	sessionID  string
	callerAddr string
	text       string

	sess    *session.Session
	prior   []history.Turn
	reply   llm.Reply
	result  ExchangeResult
	lastErr error
}

// Exchange records text from callerAddr under sessionID, asks the provider
// for a reply and updates the session counters. Steps for one session are
// serialized; different sessions run independently.
//
// Unknown sessions yield ErrNotFound. Expired or exhausted sessions are
// deleted and yield ErrInvalid unless callerAddr is trusted. Provider
// failures, including caller cancellation during the completion, do not
// fail the exchange; the result is marked Degraded instead.
func (a *Agent) Exchange(ctx context.Context, sessionID, callerAddr, text string) (ExchangeResult, error) {
	unlock := a.locks.Lock(sessionID)
	defer unlock()

	ex := &exchange{sessionID: sessionID, callerAddr: callerAddr, text: text}
	fsm := newExchangeMachine()
	detached := context.WithoutCancel(ctx)

	for {
		state := fsm.MustState().(FSMState)
		if state == StateDone {
			return ex.result, nil
		}
		if state == StateFailed {
			if ex.lastErr == nil {
				ex.lastErr = errors.New("exchange failed without a specific error")
			}
			return ExchangeResult{}, ex.lastErr
		}

		// Once the user turn is stored the reply and the counter must land
		// too, so those writes ignore caller cancellation. The completion
		// still observes it and degrades.
		stepCtx := ctx
		if state == StateRecordingReply || state == StateCommitting {
			stepCtx = detached
		}

		trigger := a.step(stepCtx, state, ex)
		logger.L.Debug("FSM transition", "session_id", sessionID, "state", state, "trigger", trigger)
		if err := fsm.FireCtx(detached, trigger); err != nil {
			return ExchangeResult{}, fmt.Errorf("exchange state machine: %w", err)
		}
	}
}

func (a *Agent) step(ctx context.Context, state FSMState, ex *exchange) FSMTrigger {
	fail := func(err error) FSMTrigger {
		ex.lastErr = err
		return TriggerErrorOccurred
	}

	switch state {
	case StateLookingUp:
		sess, err := a.sessions.Get(ctx, ex.sessionID)
		if err != nil {
			return fail(err)
		}
		ex.sess = sess
		if a.sessions.IsTrusted(ex.callerAddr) {
			return TriggerSessionTrusted
		}
		return TriggerSessionFound

	case StateValidating:
		if a.sessions.IsValid(ex.sess) {
			return TriggerSessionValid
		}
		logger.L.Info("session no longer valid; deleting", "session_id", ex.sessionID,
			"message_count", ex.sess.MessageCount)
		if err := a.sessions.Delete(ctx, ex.sessionID); err != nil {
			return fail(err)
		}
		return fail(fmt.Errorf("session %s: %w", ex.sessionID, shared.ErrInvalid))

	case StateRecordingUser:
		prior, err := a.messages.History(ctx, ex.sessionID)
		if err != nil {
			return fail(err)
		}
		ex.prior = prior
		if _, err := a.messages.Append(ctx, ex.sessionID, history.RoleUser, ex.text, a.sessions.Now()); err != nil {
			return fail(err)
		}
		return TriggerUserRecorded

	case StateCompleting:
		reply, err := a.completer.Complete(ctx, llm.Prompt{
			Text:           ex.text,
			History:        ex.prior,
			ConversationID: ex.sess.ConversationID,
		})
		if err != nil {
			logger.L.Error("completion failed; replying empty", "session_id", ex.sessionID, "error", err)
			ex.result.Degraded = true
			return TriggerReplyDegraded
		}
		ex.reply = reply
		return TriggerReplyReceived

	case StateRecordingReply:
		if _, err := a.messages.Append(ctx, ex.sessionID, history.RoleAssistant, ex.reply.Text, a.sessions.Now()); err != nil {
			return fail(err)
		}
		return TriggerReplyRecorded

	case StateCommitting:
		now := a.sessions.Now()
		count := ex.sess.MessageCount + 1
		conv := ex.sess.ConversationID
		if ex.reply.ConversationID != "" {
			conv = ex.reply.ConversationID
		}
		updated, err := a.sessions.Update(ctx, ex.sessionID, session.Update{
			LastActiveAt:   &now,
			MessageCount:   &count,
			ConversationID: &conv,
		})
		if err != nil {
			return fail(err)
		}
		ex.result.SessionID = ex.sessionID
		ex.result.Reply = ex.reply.Text
		ex.result.ConversationID = updated.ConversationID
		ex.result.Remaining = a.sessions.Remaining(updated)
		return TriggerSessionCommitted
	}

	return fail(fmt.Errorf("no step for state %s", state))
}
