package features

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/velocity"
)

// RecordDecision фиксирует состоявшуюся попытку во всех velocity-окнах
// и профилях. Вызывается fire-and-forget ПОСЛЕ ответа клиенту:
// ошибки здесь логируются, но не влияют на уже отданное решение.
func (s *Store) RecordDecision(ctx context.Context, ev *domain.PaymentEvent) {
	now := ev.EventTime()
	txn := ev.TransactionID
	ip := ev.IPAddress()

	var samples []velocity.Sample
	add := func(etype domain.EntityType, id, metric, member string) {
		if id == "" || member == "" {
			return
		}
		samples = append(samples, velocity.Sample{
			EntityType: string(etype), EntityID: id, Metric: metric, Member: member, At: now,
		})
	}

	// Попытки по всем осям
	add(domain.EntityCard, ev.CardToken, velocity.MetricAttempts, txn)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricAttempts, txn)
	add(domain.EntityIP, ip, velocity.MetricAttempts, txn)
	add(domain.EntityUser, ev.UserID, velocity.MetricAttempts, txn)
	add(domain.EntityService, ev.ServiceID, velocity.MetricAttempts, txn)

	// Distinct-связи между сущностями
	add(domain.EntityCard, ev.CardToken, velocity.MetricUsers, ev.UserID)
	add(domain.EntityCard, ev.CardToken, velocity.MetricDevices, ev.DeviceID)
	add(domain.EntityCard, ev.CardToken, velocity.MetricIPs, ip)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricCards, ev.CardToken)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricUsers, ev.UserID)
	add(domain.EntityIP, ip, velocity.MetricCards, ev.CardToken)
	add(domain.EntityUser, ev.UserID, velocity.MetricCards, ev.CardToken)
	add(domain.EntityUser, ev.UserID, velocity.MetricDevices, ev.DeviceID)

	// Суммы юзера для 24h-агрегата
	add(domain.EntityUser, ev.UserID, velocity.MetricAmounts, velocity.AmountMember(txn, ev.AmountCents))

	if err := s.vel.Record(ctx, samples); err != nil {
		s.logger.Warn("decision velocity record failed",
			zap.String("transaction_id", txn), zap.Error(err))
	}

	// Профильные дельты
	amount := ev.AmountCents
	upd := ProfileUpdate{TxnDelta: 1, AmountCents: &amount, At: now}
	if g := ev.Geo; g != nil {
		upd.Country = g.CountryCode
		upd.Lat, upd.Lon = g.Latitude, g.Longitude
	}

	s.applyProfile(ctx, domain.EntityCard, ev.CardToken, upd)
	s.applyProfile(ctx, domain.EntityDevice, ev.DeviceID, ProfileUpdate{TxnDelta: 1, At: now})
	s.applyProfile(ctx, domain.EntityUser, ev.UserID, upd)
	s.applyProfile(ctx, domain.EntityService, ev.ServiceID, ProfileUpdate{TxnDelta: 1, At: now})
}

// RecordOutcome применяет асинхронный исход: decline пополняет velocity-окна,
// chargeback/refund — профильные агрегаты friendly-fraud.
func (s *Store) RecordOutcome(ctx context.Context, o *domain.Outcome) {
	now := o.OutcomeTime()

	switch o.OutcomeType {
	case domain.OutcomeDeclined:
		var samples []velocity.Sample
		if o.CardToken != "" {
			samples = append(samples, velocity.Sample{
				EntityType: string(domain.EntityCard), EntityID: o.CardToken,
				Metric: velocity.MetricDeclines, Member: o.TransactionID, At: now,
			})
		}
		if err := s.vel.Record(ctx, samples); err != nil {
			s.logger.Warn("outcome velocity record failed",
				zap.String("transaction_id", o.TransactionID), zap.Error(err))
		}

	case domain.OutcomeChargeback:
		upd := ProfileUpdate{ChargebackDelta: 1, At: now}
		s.applyProfile(ctx, domain.EntityCard, o.CardToken, upd)
		s.applyProfile(ctx, domain.EntityDevice, o.DeviceID, upd)
		s.applyProfile(ctx, domain.EntityUser, o.UserID, upd)

	case domain.OutcomeRefund:
		s.applyProfile(ctx, domain.EntityUser, o.UserID, ProfileUpdate{RefundDelta: 1, At: now})

	case domain.OutcomeApproved:
		// Approve ничего не добавляет: попытка уже учтена при решении
	}
}

func (s *Store) applyProfile(ctx context.Context, etype domain.EntityType, id string, upd ProfileUpdate) {
	if id == "" {
		return
	}
	if err := s.profiles.Apply(ctx, Ref{EntityType: string(etype), EntityID: id}, upd); err != nil {
		s.logger.Warn("profile update failed",
			zap.String("entity_type", string(etype)),
			zap.String("entity_id", id),
			zap.Error(err))
	}
}
