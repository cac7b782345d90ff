package repo

import (
	"context"

	"github.com/rs/zerolog"
)

// Multi saves to a primary repository and mirrors to the others. Only the
// primary decides whether a save failed; Load always reads the primary.
type Multi struct {
	primary Repository
	mirrors []Repository
}

func NewMulti(primary Repository, mirrors ...Repository) *Multi {
	return &Multi{primary: primary, mirrors: mirrors}
}

func (m *Multi) Save(ctx context.Context, s *State) error {
	if err := m.primary.Save(ctx, s); err != nil {
		return err
	}
	for _, r := range m.mirrors {
		if err := r.Save(ctx, s); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to mirror execution state")
		}
	}
	return nil
}

func (m *Multi) Load(ctx context.Context) (*State, error) {
	return m.primary.Load(ctx)
}
