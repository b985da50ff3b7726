// Package notify publishes governance notices as relay-signed nostr events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"circles/src/models"
)

const (
	KindVoteOpened    = 9100
	KindVoteResolved  = 9101
	KindCircleDeleted = 9102
)

// EventSaver persists published events so late subscribers can query them.
type EventSaver interface {
	SaveEvent(ctx context.Context, event *nostr.Event) error
}

// NostrNotifier signs each notice with the relay key, stores it and fans it
// out to live subscribers.
type NostrNotifier struct {
	privKey   string
	pubKey    string
	store     EventSaver
	broadcast func(*nostr.Event)
}

func NewNostrNotifier(privKey string, store EventSaver, broadcast func(*nostr.Event)) (*NostrNotifier, error) {
	if strings.TrimSpace(privKey) == "" {
		return nil, errors.New("relay private key is required")
	}
	pubKey, err := nostr.GetPublicKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("derive relay public key: %w", err)
	}
	return &NostrNotifier{
		privKey:   privKey,
		pubKey:    pubKey,
		store:     store,
		broadcast: broadcast,
	}, nil
}

func (n *NostrNotifier) PubKey() string {
	return n.pubKey
}

func (n *NostrNotifier) Notify(ctx context.Context, notice models.Notice) error {
	event, err := BuildEvent(notice)
	if err != nil {
		return err
	}
	if err := event.Sign(n.privKey); err != nil {
		return fmt.Errorf("sign %s event: %w", notice.Type, err)
	}
	if n.store != nil {
		if err := n.store.SaveEvent(ctx, &event); err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
			return fmt.Errorf("store %s event: %w", notice.Type, err)
		}
	}
	if n.broadcast != nil {
		n.broadcast(&event)
	}
	return nil
}

func kindFor(t models.NoticeType) (int, error) {
	switch t {
	case models.NoticeVoteOpened:
		return KindVoteOpened, nil
	case models.NoticeVoteResolved:
		return KindVoteResolved, nil
	case models.NoticeCircleDeleted:
		return KindCircleDeleted, nil
	default:
		return 0, fmt.Errorf("unknown notice type %q", t)
	}
}

// BuildEvent renders an unsigned event for notice. The circle is carried in
// the h tag so clients can subscribe per circle.
func BuildEvent(notice models.Notice) (nostr.Event, error) {
	kind, err := kindFor(notice.Type)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := json.Marshal(notice)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode notice: %w", err)
	}

	tags := nostr.Tags{{"h", notice.CircleID}}
	if v := notice.Vote; v != nil {
		tags = append(tags,
			nostr.Tag{"vote", v.ID},
			nostr.Tag{"vote_type", string(v.VoteType)},
			nostr.Tag{"status", string(v.Status)},
		)
		if v.TargetUserID != "" {
			tags = append(tags, nostr.Tag{"target", v.TargetUserID})
		}
	}
	return nostr.Event{
		CreatedAt: nostr.Timestamp(notice.OccurredAt.Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   string(content),
	}, nil
}
