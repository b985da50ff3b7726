package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"circles/src/lib"
	"circles/src/models"
)

type countingSink struct {
	calls atomic.Int32
	err   error
}

func (s *countingSink) Notify(context.Context, models.Notice) error {
	s.calls.Add(1)
	return s.err
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	boom := errors.New("boom")
	ok := &countingSink{}
	failing := &countingSink{err: boom}
	later := &countingSink{}

	err := NewFanout(ok, failing, later).Notify(context.Background(), models.Notice{Type: models.NoticeCircleDeleted, CircleID: "c1"})
	if !errors.Is(err, boom) {
		t.Fatalf("Notify() error = %v, want boom", err)
	}
	for i, s := range []*countingSink{ok, failing, later} {
		if got := s.calls.Load(); got != 1 {
			t.Fatalf("sink %d calls = %d, want 1", i, got)
		}
	}
}

func TestLogSinkWritesNotice(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(lib.NewLoggerTo(&buf, "INFO"))
	vote := models.Vote{ID: "v1", Status: models.VotePassed}
	if err := sink.Notify(context.Background(), models.Notice{
		Type:       models.NoticeVoteResolved,
		CircleID:   "c1",
		ActorID:    "alice",
		Vote:       &vote,
		OccurredAt: time.Now(),
	}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"msg":"governance notice"`, `"vote_id":"v1"`, `"status":"passed"`, `"circle_id":"c1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}
