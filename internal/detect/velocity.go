package detect

import (
	"context"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// VelocityDetector ловит аномальные частоты и фан-аут между сущностями:
// один девайс со многими картами, один IP со многими картами,
// одна карта на многих аккаунтах.
type VelocityDetector struct {
	cfg infra.DetectionConfig
}

func NewVelocityDetector(cfg infra.DetectionConfig) *VelocityDetector {
	return &VelocityDetector{cfg: cfg}
}

func (d *VelocityDetector) Name() string { return DetectorVelocity }

func (d *VelocityDetector) Detect(_ context.Context, _ *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	v := &fs.Velocity
	var hits []hit

	if v.CardAttempts1H >= int64(d.cfg.VelocityCardAttempts1H) {
		hits = append(hits, hit{0.7, domain.Reason{
			Code:        domain.ReasonVelocityCard1H,
			Description: "card attempt rate over hourly limit",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorVelocity,
			Value:       fmtInt(v.CardAttempts1H),
			Threshold:   fmtInt(int64(d.cfg.VelocityCardAttempts1H)),
		}})
	}

	if v.DeviceDistinctCards24H >= int64(d.cfg.DeviceDistinctCards24H) {
		hits = append(hits, hit{0.8, domain.Reason{
			Code:        domain.ReasonVelocityDeviceCards,
			Description: "single device cycling through cards",
			Severity:    domain.SeverityCritical,
			TriggeredBy: DetectorVelocity,
			Value:       fmtInt(v.DeviceDistinctCards24H),
			Threshold:   fmtInt(int64(d.cfg.DeviceDistinctCards24H)),
		}})
	}

	if v.IPDistinctCards1H >= int64(d.cfg.IPDistinctCards1H) {
		hits = append(hits, hit{0.8, domain.Reason{
			Code:        domain.ReasonVelocityIPCards,
			Description: "single IP cycling through cards",
			Severity:    domain.SeverityCritical,
			TriggeredBy: DetectorVelocity,
			Value:       fmtInt(v.IPDistinctCards1H),
			Threshold:   fmtInt(int64(d.cfg.IPDistinctCards1H)),
		}})
	}

	// Карта, расползшаяся по аккаунтам — классика account takeover ферм
	if v.CardDistinctAccounts24H >= 3 {
		hits = append(hits, hit{0.7, domain.Reason{
			Code:        domain.ReasonVelocityCardAccounts,
			Description: "one card used across multiple accounts",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorVelocity,
			Value:       fmtInt(v.CardDistinctAccounts24H),
			Threshold:   "3",
		}})
	}

	// Резкий выброс суммы относительно истории плательщика
	if fs.AmountZScore >= 3 && !fs.IsRecurring {
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonVelocityUserAmount,
			Description: "amount far above payer history",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorVelocity,
			Value:       fmtFloat(fs.AmountZScore),
			Threshold:   "3.00",
		}})
	}

	return combine(DetectorVelocity, hits)
}
