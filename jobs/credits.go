package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/config"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/tracker"
)

// UploadCredit tops up upload credit from bonus points when the account's
// ratio or buffer drops below its floor. At most one purchase happens per
// run so a bad threshold pair cannot drain the points balance.
type UploadCredit struct {
	trk *tracker.Client
	hub *hub.Hub
	cfg *config.UploadJob
	log zerolog.Logger
}

func NewUploadCredit(trk *tracker.Client, h *hub.Hub, cfg *config.UploadJob) *UploadCredit {
	return &UploadCredit{
		trk: trk,
		hub: h,
		cfg: cfg,
		log: log.Logger.With().Str("component", "jobs").Str("job", "upload-credit").Logger(),
	}
}

func (j *UploadCredit) Name() string { return "upload-credit" }

func (j *UploadCredit) Run(ctx context.Context) error {
	stats, err := j.trk.UserStats(ctx)
	if err != nil {
		return fmt.Errorf("error fetching user stats: %w", err)
	}

	if j.cfg.OnRatio && stats.Ratio < j.cfg.RatioFloor {
		return j.purchase(ctx, j.cfg.RatioAmountGB, "ratio",
			fmt.Sprintf("ratio %.2f below %.2f", stats.Ratio, j.cfg.RatioFloor))
	}
	if j.cfg.OnBuffer && stats.BufferGB < j.cfg.BufferFloorGB {
		return j.purchase(ctx, j.cfg.BufferAmountGB, "buffer",
			fmt.Sprintf("buffer %.2f GB below %.2f GB", stats.BufferGB, j.cfg.BufferFloorGB))
	}

	return nil
}

func (j *UploadCredit) purchase(ctx context.Context, amountGB float64, reason, detail string) error {
	j.log.Info().Float64("amount_gb", amountGB).Str("reason", detail).Msg("buying upload credit")

	res, err := j.trk.BuyUpload(ctx, amountGB)
	if err != nil {
		return fmt.Errorf("error buying upload credit: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("upload credit purchase rejected: %s", res.Error)
	}

	j.hub.Publish(hub.NewCreditPurchase("upload", amountGB, reason))
	return nil
}

// VIPCredit keeps VIP status extended to its maximum.
type VIPCredit struct {
	trk *tracker.Client
	hub *hub.Hub
	log zerolog.Logger
}

func NewVIPCredit(trk *tracker.Client, h *hub.Hub) *VIPCredit {
	return &VIPCredit{
		trk: trk,
		hub: h,
		log: log.Logger.With().Str("component", "jobs").Str("job", "vip-credit").Logger(),
	}
}

func (j *VIPCredit) Name() string { return "vip-credit" }

func (j *VIPCredit) Run(ctx context.Context) error {
	res, err := j.trk.BuyVIP(ctx)
	if err != nil {
		return fmt.Errorf("error buying vip: %w", err)
	}
	if !res.Success {
		// Already at max duration is the common rejection and not a fault.
		j.log.Debug().Str("error", res.Error).Msg("vip purchase not applied")
		return nil
	}

	j.log.Info().Float64("seedbonus", res.SeedBonus).Msg("vip extended")
	j.hub.Publish(hub.NewCreditPurchase("vip", 0, "scheduled"))
	return nil
}
