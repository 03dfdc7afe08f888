package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/geo"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// sizeFits reports whether a load's stated vehicle size can go on a plan's
// vehicle class. A load with no stated size fits everything; otherwise exact
// class match.
func sizeFits(planSize models.VehicleSize, loadSize string) bool {
	if loadSize == "" {
		return true
	}
	return string(planSize) == loadSize
}

// ScoreMatch is monotonic in distance: closer is always better. When a rate is
// known, rate-per-mile scales the score, which preserves monotonicity for a
// fixed load (the rate is constant while distance varies per plan).
func ScoreMatch(distanceMiles float64, rate *decimal.Decimal) decimal.Decimal {
	if distanceMiles < 0 {
		distanceMiles = 0
	}
	base := decimal.NewFromInt(1000).Div(decimal.NewFromFloat(1 + distanceMiles))
	if rate == nil || rate.Sign() <= 0 {
		return base.Round(4)
	}
	rpm := rate.Div(decimal.NewFromFloat(distanceMiles + 1))
	// Cap the rate influence so a fat rate cannot outrank a much closer load.
	capped := decimal.NewFromInt(5)
	if rpm.GreaterThan(capped) {
		rpm = capped
	}
	factor := decimal.NewFromInt(1).Add(rpm.Div(decimal.NewFromInt(10)))
	return base.Mul(factor).Round(4)
}

// MatchLoad evaluates one deduplicated load against every enabled hunt plan of
// the owning tenant and upserts a Match per passing pair. Keyed by
// (queue item, plan), the upsert is idempotent under re-delivery.
//
// A load whose origin cannot be geocoded is skipped for geographic plans but
// still logged for observability.
func MatchLoad(ctx context.Context, logger *logrus.Logger, geocoder geo.Geocoder, item *models.QueueItem, load *models.ParsedLoad) ([]*models.LoadMatch, error) {
	plans, err := models.ListEnabledHuntPlans(ctx, item.TenantId)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}

	origin := load.Origin
	if load.OriginZip != "" {
		origin = load.OriginZip
	}
	originCoords, err := geocoder.Geocode(ctx, origin)
	if err != nil {
		if errors.Is(err, geo.ErrNotFound) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":         "MatchWorkflow",
					"tenant_id":     item.TenantId,
					"queue_item_id": item.ID,
					"origin":        origin,
				}).Info("load origin not geocodable; geographic plans skipped")
			}
			return nil, nil
		}
		return nil, err
	}

	fingerprint := load.Fingerprint()

	var created []*models.LoadMatch
	for _, plan := range plans {
		if !sizeFits(plan.VehicleSize, load.VehicleSize) {
			continue
		}

		planCoords, err := geocoder.Geocode(ctx, plan.OriginZip)
		if err != nil {
			if errors.Is(err, geo.ErrNotFound) {
				continue
			}
			return created, err
		}
		distance, err := geocoder.DistanceMiles(ctx, *planCoords, *originCoords)
		if err != nil {
			return created, err
		}
		if distance > float64(plan.RadiusMiles) {
			continue
		}

		match, isNew, err := models.UpsertMatch(ctx, &models.NewLoadMatch{
			TenantId:      item.TenantId,
			QueueItemId:   item.ID,
			HuntPlanId:    plan.ID,
			VehicleId:     plan.VehicleId,
			Fingerprint:   fingerprint,
			BrokerKey:     load.BrokerKey(),
			DistanceMiles: distance,
			MatchScore:    ScoreMatch(distance, load.Rate),
			PickupDate:    load.PickupDate,
			ReceivedAt:    item.QueuedAt,
		})
		if err != nil {
			return created, err
		}
		if !isNew {
			continue
		}
		created = append(created, match)

		// Publish is best-effort and must never roll back the match.
		if _, perr := config.PublishMatchEvent(ctx, config.MatchEventMessage{
			TenantId:      item.TenantId,
			MatchId:       match.ID,
			QueueItemId:   item.ID,
			HuntPlanId:    plan.ID,
			DistanceMiles: distance,
			CreatedAt:     time.Now().UTC(),
			CorrelationId: item.CorrelationId,
		}); perr != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"field":     "MatchWorkflow",
				"tenant_id": item.TenantId,
				"match_id":  match.ID,
			}).Warn("match event publish failed: " + perr.Error())
		}
	}
	return created, nil
}
