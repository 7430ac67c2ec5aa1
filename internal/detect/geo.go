package detect

import (
	"context"
	"math"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
)

// GeoDetector ловит географические аномалии: физически невозможное
// перемещение между транзакциями, мисматч стран и страны повышенного риска.
type GeoDetector struct {
	cfg infra.DetectionConfig
}

func NewGeoDetector(cfg infra.DetectionConfig) *GeoDetector {
	return &GeoDetector{cfg: cfg}
}

func (d *GeoDetector) Name() string { return DetectorGeo }

func (d *GeoDetector) Detect(_ context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet) Signal {
	var hits []hit
	e := &fs.Entity

	// Impossible travel: скорость между последней и текущей точкой карты
	if g := ev.Geo; g != nil && g.Latitude != nil && g.Longitude != nil &&
		e.LastGeoSeen != nil && e.LastGeoLat != nil && e.LastGeoLon != nil {

		elapsed := ev.EventTime().Sub(*e.LastGeoSeen).Hours()
		if elapsed > 0 {
			km := haversineKM(*e.LastGeoLat, *e.LastGeoLon, *g.Latitude, *g.Longitude)
			speed := km / elapsed
			if speed > d.cfg.MaxTravelSpeedKMH {
				hits = append(hits, hit{0.9, domain.Reason{
					Code:        domain.ReasonGeoImpossibleTravel,
					Description: "card moved faster than physically possible",
					Severity:    domain.SeverityCritical,
					TriggeredBy: DetectorGeo,
					Value:       fmtFloat(speed),
					Threshold:   fmtFloat(d.cfg.MaxTravelSpeedKMH),
				}})
			}
		}
	}

	if !e.IPCountryCardCountryMatch {
		hits = append(hits, hit{0.4, domain.Reason{
			Code:        domain.ReasonGeoCountryMismatch,
			Description: "IP country differs from card issuing country",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorGeo,
			Value:       e.IPCountryCode,
			Threshold:   ev.CardCountry,
		}})
	}

	// ipRiskScore уже включает страну риска; здесь поднимаем только явный максимум
	if e.IPRiskScore >= 0.6 && !e.IPIsTor {
		hits = append(hits, hit{0.5, domain.Reason{
			Code:        domain.ReasonGeoHighRiskCountry,
			Description: "high-risk network origin",
			Severity:    domain.SeverityMedium,
			TriggeredBy: DetectorGeo,
			Value:       fmtFloat(e.IPRiskScore),
			Threshold:   "0.60",
		}})
	}

	return combine(DetectorGeo, hits)
}

const earthRadiusKM = 6371.0

// haversineKM — расстояние по сфере между двумя точками в километрах.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
