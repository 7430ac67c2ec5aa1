package detect

import (
	"context"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// SubscriptionAbuseDetector ловит злоупотребление триалами и подписками:
// свежие аккаунты с новыми картами, серийные регистрации с одного девайса,
// анонимные сети на рекуррентных платежах.
type SubscriptionAbuseDetector struct{}

func NewSubscriptionAbuseDetector() *SubscriptionAbuseDetector {
	return &SubscriptionAbuseDetector{}
}

func (d *SubscriptionAbuseDetector) Name() string { return DetectorSubscription }

func (d *SubscriptionAbuseDetector) Detect(_ context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	// Детектор осмыслен только для подписочных событий
	if !ev.IsRecurring && ev.EventType != "subscription" {
		return Signal{Detector: DetectorSubscription}
	}

	var hits []hit
	e := &fs.Entity

	if e.UserIsNew && fs.IsNewCardForUser {
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonSubscriptionNewUser,
			Description: "fresh account subscribing with fresh card",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorSubscription,
		}})
	}

	// Один девайс плодит аккаунты — фабрика триалов
	if fs.Velocity.DeviceDistinctUsers24H >= 3 {
		hits = append(hits, hit{0.7, domain.Reason{
			Code:        domain.ReasonSubscriptionVelocity,
			Description: "device spawning multiple subscriber accounts",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorSubscription,
			Value:       fmtInt(fs.Velocity.DeviceDistinctUsers24H),
			Threshold:   "3",
		}})
	}

	if e.IPIsVPN || e.IPIsProxy || e.IPIsTor {
		hits = append(hits, hit{0.4, domain.Reason{
			Code:        domain.ReasonSubscriptionAnonNet,
			Description: "subscription via anonymizing network",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorSubscription,
		}})
	}

	return combine(DetectorSubscription, hits)
}
