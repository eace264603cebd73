// Package observe applies the earning rules: every ingested observation
// becomes ledger earns on the topics it touches. Ingestion is idempotent
// on the external message id, so re-delivery never double-earns.
package observe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

// Observer turns observations into stored messages and salience earns.
type Observer struct {
	store storage.Storage
	led   *ledger.Ledger
	cfg   *config.Config
	bus   *eventbus.Bus
}

// New builds an Observer.
func New(store storage.Storage, led *ledger.Ledger, cfg *config.Config, bus *eventbus.Bus) *Observer {
	return &Observer{store: store, led: led, cfg: cfg, bus: bus}
}

func (o *Observer) publish(t eventbus.EventType, fields map[string]any) {
	if o.bus != nil {
		o.bus.Publish(eventbus.NewEvent(t, fields))
	}
}

// anonymous reports whether the author never earns individually.
func (o *Observer) anonymous(authorID string) bool {
	return o.cfg.AnonymousSentinel != "" && strings.HasPrefix(authorID, o.cfg.AnonymousSentinel)
}

// MessageEvent is one observed message plus the mention ids the transport
// extracted from it.
type MessageEvent struct {
	Message  *types.Message `json:"message"`
	Mentions []string       `json:"mentions,omitempty"`
}

// ObserveMessage ingests a message and applies the message earning rules.
// A message already seen (same external id) is a no-op.
func (o *Observer) ObserveMessage(ctx context.Context, ev MessageEvent) error {
	m := ev.Message
	if m == nil || m.ID == "" {
		return fmt.Errorf("observe: message id required")
	}
	if m.IngestedAt.IsZero() {
		m.IngestedAt = time.Now().UTC()
	}
	created, err := o.store.InsertMessage(ctx, m)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if m.AuthorDisplay != "" {
		if err := o.store.RecordDisplayName(ctx, m.AuthorID, m.AuthorDisplay); err != nil {
			return err
		}
	}

	if m.Scope == types.ScopeDM {
		if err := o.observeDM(ctx, m); err != nil {
			return err
		}
	} else if m.ServerID != "" {
		if err := o.observeServerMessage(ctx, ev); err != nil {
			return err
		}
	}

	o.publish(eventbus.EventMessageObserved, map[string]any{
		"message_id": m.ID, "channel": m.ChannelID, "scope": string(m.Scope),
	})
	return nil
}

// observeDM earns on the author's global user topic and marks them warm.
func (o *Observer) observeDM(ctx context.Context, m *types.Message) error {
	if o.anonymous(m.AuthorID) {
		return nil
	}
	amount := o.boosted(m, o.cfg.Salience.Weights.DMMessage)
	if _, _, err := o.led.Earn(ctx, topic.UserKey("", m.AuthorID), amount, "dm_message"); err != nil {
		return err
	}
	_, err := o.led.WarmGlobalUser(ctx, m.AuthorID, "dm")
	return err
}

func (o *Observer) observeServerMessage(ctx context.Context, ev MessageEvent) error {
	m := ev.Message
	base := o.boosted(m, o.cfg.Salience.Weights.Message)

	// The channel earns even when the author is anonymous.
	channelKey := topic.ChannelKey(m.ServerID, m.ChannelID)
	if _, _, err := o.led.Earn(ctx, channelKey, base, "message"); err != nil {
		return err
	}
	if m.ThreadID != "" {
		_, _, err := o.led.EarnWith(ctx, topic.ThreadKey(m.ServerID, m.ThreadID), base, "message",
			ledger.EarnOptions{ParentKey: channelKey})
		if err != nil {
			return err
		}
	}

	if !o.anonymous(m.AuthorID) {
		if _, _, err := o.led.Earn(ctx, topic.UserKey(m.ServerID, m.AuthorID), base, "message"); err != nil {
			return err
		}
		if err := o.led.NoteUserServer(ctx, m.AuthorID, m.ServerID); err != nil {
			return err
		}
		if err := o.observeReply(ctx, m); err != nil {
			return err
		}
	}

	authorTopic := topic.UserKey(m.ServerID, m.AuthorID)
	for _, mentioned := range ev.Mentions {
		if mentioned == m.AuthorID || o.anonymous(mentioned) {
			continue
		}
		_, _, err := o.led.EarnWith(ctx, topic.UserKey(m.ServerID, mentioned),
			o.cfg.Salience.Weights.Mention, "mention",
			ledger.EarnOptions{SourceTopic: authorTopic})
		if err != nil {
			return err
		}
	}
	return nil
}

// observeReply earns on the dyad of replier and original author.
func (o *Observer) observeReply(ctx context.Context, m *types.Message) error {
	if m.ReplyToID == "" {
		return nil
	}
	orig, err := o.store.GetMessage(ctx, m.ReplyToID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if orig.AuthorID == m.AuthorID || o.anonymous(orig.AuthorID) {
		return nil
	}
	_, _, err = o.led.Earn(ctx, topic.DyadKey(m.ServerID, m.AuthorID, orig.AuthorID),
		o.cfg.Salience.Weights.Reply, "reply")
	return err
}

// ReactionEvent is one observed reaction to a stored message.
type ReactionEvent struct {
	MessageID   string `json:"message_id"`
	ReactorID   string `json:"reactor_id"`
	ServerID    string `json:"server_id,omitempty"`
	Emoji       string `json:"emoji"`
	CustomEmoji bool   `json:"custom_emoji,omitempty"`
}

// ObserveReaction earns for both parties of the reaction, their dyad, and,
// for a custom emoji, the emoji topic.
func (o *Observer) ObserveReaction(ctx context.Context, ev ReactionEvent) error {
	if ev.MessageID == "" || ev.ReactorID == "" {
		return fmt.Errorf("observe: reaction needs message and reactor ids")
	}
	m, err := o.store.GetMessage(ctx, ev.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	serverID := ev.ServerID
	if serverID == "" {
		serverID = m.ServerID
	}
	if serverID == "" {
		return nil
	}
	w := o.cfg.Salience.Weights.Reaction

	if !o.anonymous(m.AuthorID) {
		if _, _, err := o.led.Earn(ctx, topic.UserKey(serverID, m.AuthorID), w, "reaction_received"); err != nil {
			return err
		}
	}
	if !o.anonymous(ev.ReactorID) {
		if _, _, err := o.led.Earn(ctx, topic.UserKey(serverID, ev.ReactorID), w, "reaction_given"); err != nil {
			return err
		}
	}
	if ev.ReactorID != m.AuthorID && !o.anonymous(m.AuthorID) && !o.anonymous(ev.ReactorID) {
		if _, _, err := o.led.Earn(ctx, topic.DyadKey(serverID, m.AuthorID, ev.ReactorID), w, "reaction"); err != nil {
			return err
		}
	}
	if ev.CustomEmoji && ev.Emoji != "" {
		if _, _, err := o.led.Earn(ctx, topic.EmojiKey(serverID, ev.Emoji), w, "reaction"); err != nil {
			return err
		}
	}
	return nil
}

// ObserveReactionRemoved acknowledges a removed reaction. Salience earned
// by the original reaction is not clawed back; attention was paid.
func (o *Observer) ObserveReactionRemoved(ctx context.Context, ev ReactionEvent) error {
	if ev.MessageID == "" || ev.ReactorID == "" {
		return fmt.Errorf("observe: reaction removal needs message and reactor ids")
	}
	o.publish(eventbus.EventReactionRemoved, map[string]any{
		"message_id": ev.MessageID, "reactor_id": ev.ReactorID, "emoji": ev.Emoji,
	})
	return nil
}

// ThreadEvent is an observed thread creation.
type ThreadEvent struct {
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id"`
	ServerID  string `json:"server_id"`
	CreatorID string `json:"creator_id"`
}

// ObserveThreadCreated earns for the creator and seeds the thread topic
// under its owning channel.
func (o *Observer) ObserveThreadCreated(ctx context.Context, ev ThreadEvent) error {
	if ev.ThreadID == "" || ev.ServerID == "" {
		return fmt.Errorf("observe: thread creation needs thread and server ids")
	}
	w := o.cfg.Salience.Weights.ThreadCreate
	channelKey := topic.ChannelKey(ev.ServerID, ev.ChannelID)
	_, _, err := o.led.EarnWith(ctx, topic.ThreadKey(ev.ServerID, ev.ThreadID), w, "thread_created",
		ledger.EarnOptions{ParentKey: channelKey, Provisional: true})
	if err != nil {
		return err
	}
	if !o.anonymous(ev.CreatorID) {
		if _, _, err := o.led.Earn(ctx, topic.UserKey(ev.ServerID, ev.CreatorID), w, "thread_created"); err != nil {
			return err
		}
	}
	return nil
}

// ObserveMessageDeleted tombstones a message. Salience already earned is
// never clawed back; the ledger is append-only.
func (o *Observer) ObserveMessageDeleted(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := o.store.MarkMessageDeleted(ctx, id, at); err != nil {
		return err
	}
	o.publish(eventbus.EventMessageDeleted, map[string]any{"message_id": id})
	return nil
}

// boosted applies the media/link boost to a base earning weight.
func (o *Observer) boosted(m *types.Message, base float64) float64 {
	if m.HasMedia || m.HasLink {
		return base * o.cfg.Salience.MediaBoostFactor
	}
	return base
}
