package notify

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"circles/src/models"
)

// Sink receives governance notices.
type Sink interface {
	Notify(ctx context.Context, notice models.Notice) error
}

// Fanout delivers every notice to all of its sinks concurrently. A failing
// sink does not stop delivery to the others; the first failure is returned
// once all sinks finish.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Notify(ctx context.Context, notice models.Notice) error {
	var g errgroup.Group
	for _, sink := range f.sinks {
		g.Go(func() error {
			return sink.Notify(ctx, notice)
		})
	}
	return g.Wait()
}

// LogSink writes each notice to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, notice models.Notice) error {
	attrs := []any{"type", notice.Type, "circle_id", notice.CircleID, "actor", notice.ActorID}
	if notice.Vote != nil {
		attrs = append(attrs, "vote_id", notice.Vote.ID, "status", notice.Vote.Status)
	}
	s.logger.Info("governance notice", attrs...)
	return nil
}
