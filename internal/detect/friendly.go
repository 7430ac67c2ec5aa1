package detect

import (
	"context"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// FriendlyFraudDetector оценивает риск «дружественного» фрода:
// настоящий владелец карты платит, а потом диспутит. Это отдельная ось
// от криминального фрода — и решается она иначе (friction, а не block).
type FriendlyFraudDetector struct{}

func NewFriendlyFraudDetector() *FriendlyFraudDetector { return &FriendlyFraudDetector{} }

func (d *FriendlyFraudDetector) Name() string { return DetectorFriendly }

func (d *FriendlyFraudDetector) Detect(_ context.Context, _ *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	var hits []hit
	e := &fs.Entity

	if e.UserChargebackCount >= 2 {
		hits = append(hits, hit{0.8, domain.Reason{
			Code:        domain.ReasonFriendlyChargebackRate,
			Description: "payer has repeated chargebacks",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorFriendly,
			Value:       fmtInt(e.UserChargebackCount),
			Threshold:   "2",
		}})
	} else if e.UserChargebackCount == 1 && e.UserTotalTransactions < 10 {
		// Один chargeback на короткой истории — уже настораживает
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonFriendlyDisputes,
			Description: "chargeback on thin payer history",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorFriendly,
			Value:       fmtInt(e.UserChargebackCount),
			Threshold:   "1",
		}})
	}

	if e.UserRefundCount90D >= 3 {
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonFriendlyRefundRate,
			Description: "abnormal refund frequency",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorFriendly,
			Value:       fmtInt(e.UserRefundCount90D),
			Threshold:   "3",
		}})
	}

	return combine(DetectorFriendly, hits)
}
