package detect

import (
	"context"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// BotDetector ловит автоматизацию: эмуляторы, рутованные девайсы,
// анонимизирующие сети и неполный fingerprint на web-канале.
type BotDetector struct{}

func NewBotDetector() *BotDetector { return &BotDetector{} }

func (d *BotDetector) Name() string { return DetectorBot }

func (d *BotDetector) Detect(_ context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	var hits []hit
	e := &fs.Entity

	if e.DeviceIsEmulator {
		hits = append(hits, hit{0.9, domain.Reason{
			Code:        domain.ReasonBotEmulator,
			Description: "payment from device emulator",
			Severity:    domain.SeverityCritical,
			TriggeredBy: DetectorBot,
		}})
	}
	if e.DeviceIsRooted {
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonBotRootedDevice,
			Description: "rooted or jailbroken device",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorBot,
		}})
	}
	if e.IPIsTor {
		hits = append(hits, hit{0.8, domain.Reason{
			Code:        domain.ReasonBotTorExit,
			Description: "request via Tor exit node",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorBot,
		}})
	}
	if e.IPIsDatacenter {
		hits = append(hits, hit{0.6, domain.Reason{
			Code:        domain.ReasonBotDatacenterIP,
			Description: "request from datacenter address space",
			Severity:    domain.SeverityHigh,
			TriggeredBy: DetectorBot,
		}})
	}
	if (e.IPIsVPN || e.IPIsProxy) && !e.IPIsTor {
		hits = append(hits, hit{0.4, domain.Reason{
			Code:        domain.ReasonBotVPNProxy,
			Description: "request via VPN or proxy",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorBot,
		}})
	}

	// Web без fingerprint-а — либо скрипт, либо сломанная интеграция;
	// сигнал слабый, решает только в сумме с другими
	if ev.Channel == "web" && ev.Device == nil {
		hits = append(hits, hit{0.3, domain.Reason{
			Code:        domain.ReasonBotIncompleteFingerprint,
			Description: "no device fingerprint on web channel",
			Severity:    domain.SeverityLow,
			TriggeredBy: DetectorBot,
		}})
	}

	return combine(DetectorBot, hits)
}
