package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/rs/zerolog"
)

const (
	failureText   = "Sorry, I couldn't process that message. Please try again."
	offlineNotice = "You're offline. Your message is saved and will be processed when you reconnect."
)

// ConversationService runs chat turns against the remote accountant. Only one
// turn is in flight at a time.
type ConversationService struct {
	sync *SyncService
	log  zerolog.Logger
	turn chan struct{}
}

// NewConversationService registers the deferred-message flush as a reconnect
// hook on sync, so it must be called before sync.Start.
func NewConversationService(sync *SyncService, log zerolog.Logger) *ConversationService {
	c := &ConversationService{
		sync: sync,
		log:  log,
		turn: make(chan struct{}, 1),
	}
	sync.OnReconnect(func(ctx context.Context) {
		err := c.FlushDeferred(ctx)
		if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("Deferred messages not flushed")
		}
	})
	return c
}

// Submit sends one user message. The message is stored before any network
// call; while offline, or when the remote cannot be reached, it is kept as
// pending and replayed on reconnect.
func (c *ConversationService) Submit(ctx context.Context, content string, att *remote.Attachment) error {
	content = strings.TrimSpace(content)
	if content == "" && att == nil {
		return ErrEmptyMessage
	}
	threadID, err := c.sync.activeThread()
	if err != nil {
		return err
	}
	if !c.tryAcquire() {
		return ErrTurnInProgress
	}
	defer c.release()

	return c.runTurn(ctx, threadID, content, att)
}

// RetryLastTurn re-sends the most recent user message. A message that failed
// with an error reply is sent again as a new turn, and the error reply is
// hidden from view; one still waiting to be delivered is replayed in place.
// Any attachment it had is not re-sent.
func (c *ConversationService) RetryLastTurn(ctx context.Context) error {
	threadID, err := c.sync.activeThread()
	if err != nil {
		return err
	}
	if !c.tryAcquire() {
		return ErrTurnInProgress
	}
	defer c.release()

	last, ok := c.sync.lastUserMessage()
	if !ok {
		return ErrNothingToRetry
	}
	if last.Pending {
		if !c.sync.Online() {
			return ErrOffline
		}
		return c.flushPending(ctx, threadID)
	}
	if err := c.sync.supersedeFailures(ctx, last); err != nil {
		return c.discardStale(err)
	}
	return c.runTurn(ctx, threadID, last.Content, nil)
}

// FlushDeferred replays pending user messages in order. It waits for the turn
// slot and stops at the first network failure, leaving the rest pending.
func (c *ConversationService) FlushDeferred(ctx context.Context) error {
	threadID, err := c.sync.activeThread()
	if err != nil {
		return err
	}
	// Nothing to do is the common case; don't hold up a user turn for it.
	if pending, err := c.sync.store.PendingMessages(ctx, threadID); err != nil || len(pending) == 0 {
		return err
	}
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer c.release()

	return c.flushPending(ctx, threadID)
}

// flushPending sends the pending messages of threadID. The caller holds the
// turn slot.
func (c *ConversationService) flushPending(ctx context.Context, threadID string) error {
	pending, err := c.sync.store.PendingMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	c.log.Info().Int("count", len(pending)).Msg("Flushing deferred messages")

	c.sync.setLoading(true)
	defer c.sync.setLoading(false)

	for i, msg := range pending {
		if !c.sync.Online() {
			return ErrOffline
		}
		resp, sendErr := c.sync.remote.SendMessage(ctx, threadID, msg.Content)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(sendErr, remote.ErrNetworkUnavailable) {
			return fmt.Errorf("flush stopped after %d of %d messages: %w", i, len(pending), sendErr)
		}

		msg.Pending = false
		if err := c.sync.putMessage(ctx, msg); err != nil {
			return c.discardStale(err)
		}
		if sendErr != nil {
			if err := c.fail(ctx, threadID, sendErr); err != nil {
				return err
			}
			continue
		}
		if err := c.complete(ctx, threadID, resp); err != nil {
			return err
		}
	}
	return nil
}

// runTurn delivers earlier pending messages before the new one, so replies
// follow the order of the questions. If they cannot be delivered the new
// message waits behind them.
func (c *ConversationService) runTurn(ctx context.Context, threadID, content string, att *remote.Attachment) error {
	online := c.sync.Online()
	if online {
		err := c.flushPending(ctx, threadID)
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrNetworkUnavailable), errors.Is(err, ErrOffline):
			online = false
		default:
			return err
		}
	}

	userMsg := c.newMessage(threadID, store.RoleUser, content)
	if att != nil {
		name := att.FileName
		userMsg.AttachedFileName = &name
	}
	userMsg.Pending = !online
	if err := c.sync.putMessage(ctx, userMsg); err != nil {
		return err
	}
	if !online {
		return c.deferTurn(ctx, threadID)
	}

	c.sync.setLoading(true)
	defer c.sync.setLoading(false)

	resp, err := c.send(ctx, threadID, content, att)
	switch {
	case err == nil:
		return c.complete(ctx, threadID, resp)
	case errors.Is(err, remote.ErrNetworkUnavailable):
		c.log.Info().Err(err).Msg("Remote unreachable, deferring message")
		userMsg.Pending = true
		if err := c.sync.putMessage(ctx, userMsg); err != nil {
			return c.discardStale(err)
		}
		return c.deferTurn(ctx, threadID)
	default:
		return c.fail(ctx, threadID, err)
	}
}

func (c *ConversationService) send(ctx context.Context, threadID, content string, att *remote.Attachment) (*remote.ChatResponse, error) {
	if att != nil {
		return c.sync.remote.SendMessageWithAttachment(ctx, threadID, content, *att)
	}
	return c.sync.remote.SendMessage(ctx, threadID, content)
}

// complete stores the assistant reply and applies the turn's snapshot. The
// monthly series is refreshed by a background sync; its failure never undoes
// the turn.
func (c *ConversationService) complete(ctx context.Context, threadID string, resp *remote.ChatResponse) error {
	reply := c.newMessage(threadID, store.RoleAssistant, resp.Response)
	if err := c.sync.putMessage(ctx, reply); err != nil {
		return c.discardStale(err)
	}
	if err := c.sync.applyTurn(ctx, threadID, resp); err != nil {
		return c.discardStale(err)
	}
	c.sync.RequestSync()
	return nil
}

func (c *ConversationService) fail(ctx context.Context, threadID string, cause error) error {
	c.log.Warn().Err(cause).Str("thread_id", threadID).Msg("Chat turn failed")
	msg := c.newMessage(threadID, store.RoleAssistant, failureText)
	msg.Error = true
	return c.discardStale(c.sync.putMessage(ctx, msg))
}

func (c *ConversationService) deferTurn(ctx context.Context, threadID string) error {
	notice := c.newMessage(threadID, store.RoleSystem, offlineNotice)
	return c.discardStale(c.sync.putMessage(ctx, notice))
}

func (c *ConversationService) discardStale(err error) error {
	if errors.Is(err, ErrStaleResponse) {
		c.log.Debug().Msg("Discarded response for a previous thread")
		return nil
	}
	return err
}

func (c *ConversationService) newMessage(threadID string, role store.Role, content string) store.Message {
	return store.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Timestamp: c.sync.now(),
	}
}

func (c *ConversationService) tryAcquire() bool {
	select {
	case c.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *ConversationService) release() {
	<-c.turn
}
