package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"

	"circles/src/models"
)

func TestBuildEventKindsAndTags(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	vote := &models.Vote{
		ID:           "vote-1",
		CircleID:     "circle-1",
		VoteType:     models.VoteRemoveMember,
		TargetUserID: "mallory",
		Status:       models.VotePassed,
	}

	tests := []struct {
		name   string
		notice models.Notice
		kind   int
		tags   int
	}{
		{name: "vote opened", notice: models.Notice{Type: models.NoticeVoteOpened, CircleID: "circle-1", Vote: vote, OccurredAt: at}, kind: KindVoteOpened, tags: 5},
		{name: "vote resolved", notice: models.Notice{Type: models.NoticeVoteResolved, CircleID: "circle-1", Vote: vote, OccurredAt: at}, kind: KindVoteResolved, tags: 5},
		{name: "circle deleted", notice: models.Notice{Type: models.NoticeCircleDeleted, CircleID: "circle-1", OccurredAt: at}, kind: KindCircleDeleted, tags: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := BuildEvent(tc.notice)
			if err != nil {
				t.Fatalf("BuildEvent() error = %v", err)
			}
			if event.Kind != tc.kind {
				t.Fatalf("kind = %d, want %d", event.Kind, tc.kind)
			}
			if len(event.Tags) != tc.tags {
				t.Fatalf("tags = %v, want %d tags", event.Tags, tc.tags)
			}
			if got := tagValue(event.Tags, "h"); got != "circle-1" {
				t.Fatalf("h tag = %q, want circle-1", got)
			}
			if int64(event.CreatedAt) != at.Unix() {
				t.Fatalf("created_at = %d", event.CreatedAt)
			}
			var decoded models.Notice
			if err := json.Unmarshal([]byte(event.Content), &decoded); err != nil {
				t.Fatalf("content is not a notice: %v", err)
			}
			if decoded.Type != tc.notice.Type {
				t.Fatalf("content type = %s", decoded.Type)
			}
		})
	}

	if _, err := BuildEvent(models.Notice{Type: "unknown"}); err == nil {
		t.Fatalf("expected unknown notice type to fail")
	}
}

func TestNotifySignsStoresAndBroadcasts(t *testing.T) {
	priv := nostr.GeneratePrivateKey()
	store := &slicestore.SliceStore{}
	if err := store.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	defer store.Close()

	var broadcast []*nostr.Event
	n, err := NewNostrNotifier(priv, store, func(e *nostr.Event) { broadcast = append(broadcast, e) })
	if err != nil {
		t.Fatalf("NewNostrNotifier() error = %v", err)
	}

	notice := models.Notice{Type: models.NoticeCircleDeleted, CircleID: "circle-1", ActorID: "owner", OccurredAt: time.Now()}
	if err := n.Notify(context.Background(), notice); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	// Same notice, same second: the store reports a duplicate which is ignored.
	if err := n.Notify(context.Background(), notice); err != nil {
		t.Fatalf("Notify() duplicate error = %v", err)
	}

	if len(broadcast) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(broadcast))
	}
	event := broadcast[0]
	if event.PubKey != n.PubKey() {
		t.Fatalf("pubkey = %s, want relay key", event.PubKey)
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		t.Fatalf("signature invalid: %v", err)
	}

	ch, err := store.QueryEvents(context.Background(), nostr.Filter{
		Kinds: []int{KindCircleDeleted},
		Tags:  nostr.TagMap{"h": []string{"circle-1"}},
	})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	count := 0
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("stored events = %d, want 1", count)
	}
}

func TestNewNostrNotifierRequiresKey(t *testing.T) {
	if _, err := NewNostrNotifier("", nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func tagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
