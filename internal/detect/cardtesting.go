package detect

import (
	"context"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// CardTestingDetector ловит перебор карт: шквал попыток по одной карте,
// аномальную долю деклайнов и «прощупывание» мелкими суммами.
type CardTestingDetector struct {
	cfg infra.DetectionConfig
}

func NewCardTestingDetector(cfg infra.DetectionConfig) *CardTestingDetector {
	return &CardTestingDetector{cfg: cfg}
}

func (d *CardTestingDetector) Name() string { return DetectorCardTesting }

func (d *CardTestingDetector) Detect(_ context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	v := &fs.Velocity
	var hits []hit

	if v.CardAttempts10M >= int64(d.cfg.CardTestingAttempts10M) {
		hits = append(hits, hit{0.7, domain.Reason{
			Code:        domain.ReasonCardTestingVelocity,
			Description: "too many attempts on one card in 10 minutes",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorCardTesting,
			Value:       fmtInt(v.CardAttempts10M),
			Threshold:   fmtInt(int64(d.cfg.CardTestingAttempts10M)),
		}})
	}

	// Долю деклайнов считаем только при представительном числе попыток
	if rate := v.CardDeclineRate10M(); v.CardAttempts10M >= int64(d.cfg.CardTestingMinAttempts) && rate >= d.cfg.CardTestingDeclineRate {
		hits = append(hits, hit{0.9, domain.Reason{
			Code:        domain.ReasonCardTestingDeclineRatio,
			Description: "abnormal decline ratio on card",
			Severity:    domain.SeverityCritical,
			TriggeredBy: DetectorCardTesting,
			Value:       fmtFloat(rate),
			Threshold:   fmtFloat(d.cfg.CardTestingDeclineRate),
		}})
	}

	if ev.AmountCents <= d.cfg.CardTestingSmallAmountCents && v.CardAttempts10M >= int64(d.cfg.CardTestingMinAttempts) {
		hits = append(hits, hit{0.6, domain.Reason{
			Code:        domain.ReasonCardTestingSmallAmounts,
			Description: "repeated small-amount probing",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorCardTesting,
			Value:       fmtInt(ev.AmountCents),
			Threshold:   fmtInt(d.cfg.CardTestingSmallAmountCents),
		}})
	}

	return combine(DetectorCardTesting, hits)
}
