package pkg

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shono-io/pipex/repo"
)

type (
	// ChangeSource streams execution changes; NatsRepository is one.
	ChangeSource interface {
		Watch(ctx context.Context)
		Updates() <-chan *repo.Change
		Close() error
	}

	// Watcher follows the executions mirrored by pipex processes and hands
	// every change to a handler.
	Watcher struct {
		source ChangeSource
		handle func(context.Context, *repo.Change)
	}
)

func NewWatcher(source ChangeSource, handle func(context.Context, *repo.Change)) *Watcher {
	if handle == nil {
		handle = LogChange
	}
	return &Watcher{source: source, handle: handle}
}

// Run blocks until ctx is done or the source stops.
func (w *Watcher) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	go w.source.Watch(ctx)

	logger.Info().Msg("ready to receive execution updates")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("watcher stopped")
			if err := w.source.Close(); err != nil {
				logger.Warn().Err(err).Msg("unable to close change source")
			}
			return nil

		case ch, ok := <-w.source.Updates():
			if !ok {
				logger.Info().Msg("change source closed")
				return nil
			}
			if ch == nil {
				continue
			}
			w.handle(ctx, ch)
		}
	}
}

// LogChange writes a change to the context logger.
func LogChange(ctx context.Context, ch *repo.Change) {
	logger := zerolog.Ctx(ctx)

	switch ch.Operation {
	case repo.PutOperation:
		evt := logger.Info().Str("p_id", ch.PipelineId).Uint64("revision", ch.Revision)
		if ch.Execution != nil {
			evt = evt.
				Str("status", string(ch.Execution.Status)).
				Str("code", string(ch.Execution.Code)).
				Int("attempt", ch.Execution.Attempt)
		}
		evt.Msg("execution updated")

	case repo.DeleteOperation:
		logger.Info().Str("p_id", ch.PipelineId).Uint64("revision", ch.Revision).Msg("execution removed")
	}
}
