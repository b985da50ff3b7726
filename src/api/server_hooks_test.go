package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"circles/src/models"
	"circles/src/notify"
)

func TestWireKhatruHooksAcceptOnlyRelayEvents(t *testing.T) {
	relayPriv := nostr.GeneratePrivateKey()
	relayPub, err := nostr.GetPublicKey(relayPriv)
	if err != nil {
		t.Fatalf("derive relay pubkey: %v", err)
	}
	events := &slicestore.SliceStore{}
	if err := events.Init(); err != nil {
		t.Fatalf("init events: %v", err)
	}
	defer events.Close()

	r := khatru.NewRelay()
	wireKhatruHooks(r, events, relayPub)
	if len(r.RejectEvent) == 0 || len(r.StoreEvent) == 0 || len(r.QueryEvents) == 0 || len(r.CountEvents) == 0 || len(r.DeleteEvent) == 0 {
		t.Fatalf("expected khatru hooks to be registered")
	}

	userPriv := nostr.GeneratePrivateKey()
	userEvent := nostr.Event{CreatedAt: nostr.Now(), Kind: notify.KindVoteOpened, Tags: nostr.Tags{{"h", "circle-1"}}}
	if err := userEvent.Sign(userPriv); err != nil {
		t.Fatalf("sign user event: %v", err)
	}
	if reject, msg := r.RejectEvent[0](context.Background(), &userEvent); !reject || msg == "" {
		t.Fatalf("expected user event to be rejected")
	}

	relayEvent := nostr.Event{CreatedAt: nostr.Timestamp(time.Now().Unix()), Kind: notify.KindVoteOpened, Tags: nostr.Tags{{"h", "circle-1"}}}
	if err := relayEvent.Sign(relayPriv); err != nil {
		t.Fatalf("sign relay event: %v", err)
	}
	if reject, _ := r.RejectEvent[0](context.Background(), &relayEvent); reject {
		t.Fatalf("expected relay event to be accepted")
	}
	if err := r.StoreEvent[0](context.Background(), &relayEvent); err != nil {
		t.Fatalf("store relay event: %v", err)
	}
	count, err := r.CountEvents[0](context.Background(), nostr.Filter{Kinds: []int{notify.KindVoteOpened}})
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestBuildRelayPublishesNotices(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	circle := decodeInto[models.Circle](t, app.do(http.MethodPost, "/circles", "owner", map[string]string{"name": "Solo"}, http.StatusCreated))
	app.do(http.MethodDelete, "/circles/"+circle.ID, "owner", nil, http.StatusOK)

	filter := nostr.Filter{
		Kinds: []int{notify.KindCircleDeleted},
		Tags:  nostr.TagMap{"h": []string{circle.ID}},
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := app.events.CountEvents(context.Background(), filter)
		if err != nil {
			t.Fatalf("count events: %v", err)
		}
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("circle_deleted notice was not stored")
}
