package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
	"github.com/shelfward/shelfward/tracker"
)

const lastIPKey = "last_ip"

// IPCheck keeps a dynamic seedbox registered with the tracker. It compares
// the address the tracker currently sees against the last one recorded and
// re-registers only when it moved.
type IPCheck struct {
	trk   *tracker.Client
	store *ledger.Store
	hub   *hub.Hub
	log   zerolog.Logger
}

func NewIPCheck(trk *tracker.Client, store *ledger.Store, h *hub.Hub) *IPCheck {
	return &IPCheck{
		trk:   trk,
		store: store,
		hub:   h,
		log:   log.Logger.With().Str("component", "jobs").Str("job", "ip-check").Logger(),
	}
}

func (j *IPCheck) Name() string { return "ip-check" }

func (j *IPCheck) Run(ctx context.Context) error {
	current, err := j.trk.CurrentIP(ctx)
	if err != nil {
		return fmt.Errorf("error checking current ip: %w", err)
	}

	last, err := j.store.GetState(lastIPKey)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("error loading last ip: %w", err)
	}
	if current == last {
		return nil
	}

	j.log.Info().Str("from", last).Str("to", current).Msg("address changed, updating seedbox session")

	registered, err := j.trk.UpdateSeedboxIP(ctx)
	if err != nil {
		return fmt.Errorf("error updating seedbox ip: %w", err)
	}
	if registered == "" {
		registered = current
	}

	if err := j.store.PutState(lastIPKey, registered); err != nil {
		return fmt.Errorf("error saving last ip: %w", err)
	}

	j.hub.Publish(hub.NewIPUpdate(registered))
	return nil
}
