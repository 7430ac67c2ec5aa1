package policy

import (
	"encoding/json"

	"github.com/xela07ax/fraudgate/internal/domain"
)

/*
Резолвинг полей предикатов. Правила ссылаются на фичи по стабильным именам;
маппинг имя -> значение собран здесь в одном месте. Неизвестное имя, кривой
литерал или несовместимый оператор НЕ матчатся (fail-closed на уровне
предиката): одно сломанное правило не должно ни пропускать фрод, ни
блокировать весь трафик.
*/

// evalCtx — все, из чего предикаты могут читать.
type evalCtx struct {
	ev     *domain.PaymentEvent
	fs     *domain.FeatureSet
	scores domain.RiskScores
}

// fieldValue возвращает значение поля: float64, string или bool.
func (c *evalCtx) fieldValue(name string) (interface{}, bool) {
	v, e := &c.fs.Velocity, &c.fs.Entity
	switch name {
	// Скоры
	case "risk_score":
		return c.scores.RiskScore, true
	case "criminal_score":
		return c.scores.CriminalScore, true
	case "friendly_fraud_score":
		return c.scores.FriendlyFraudScore, true
	case "confidence":
		return c.scores.Confidence, true
	case "card_testing_score":
		return c.scores.CardTestingScore, true
	case "velocity_score":
		return c.scores.VelocityScore, true
	case "geo_score":
		return c.scores.GeoScore, true
	case "bot_score":
		return c.scores.BotScore, true

	// Событие
	case "amount_cents":
		return float64(c.ev.AmountCents), true
	case "currency":
		return c.ev.Currency, true
	case "channel":
		return c.ev.Channel, true
	case "event_type":
		return c.ev.EventType, true
	case "card_country":
		return c.ev.CardCountry, true
	case "card_bin":
		return c.ev.CardBIN, true
	case "service_id":
		return c.ev.ServiceID, true
	case "is_recurring":
		return c.fs.IsRecurring, true
	case "is_guest":
		return c.ev.IsGuest, true
	case "has_3ds":
		return c.fs.Has3DS, true

	// Производные фичи
	case "amount_zscore":
		return c.fs.AmountZScore, true
	case "is_high_value":
		return c.fs.IsHighValue, true
	case "hour_of_day":
		return float64(c.fs.HourOfDay), true
	case "is_weekend":
		return c.fs.IsWeekend, true
	case "is_new_card_for_user":
		return c.fs.IsNewCardForUser, true
	case "is_new_device_for_user":
		return c.fs.IsNewDeviceForUser, true
	case "avs_match":
		return c.fs.AVSMatch, true
	case "cvv_match":
		return c.fs.CVVMatch, true

	// Сущности
	case "ip_country":
		return e.IPCountryCode, true
	case "ip_is_tor":
		return e.IPIsTor, true
	case "ip_is_vpn":
		return e.IPIsVPN, true
	case "ip_is_proxy":
		return e.IPIsProxy, true
	case "ip_is_datacenter":
		return e.IPIsDatacenter, true
	case "ip_risk_score":
		return e.IPRiskScore, true
	case "device_is_emulator":
		return e.DeviceIsEmulator, true
	case "device_is_rooted":
		return e.DeviceIsRooted, true
	case "user_is_new":
		return e.UserIsNew, true
	case "user_is_guest":
		return e.UserIsGuest, true
	case "user_account_age_days":
		return float64(e.UserAccountAgeDays), true
	case "user_chargeback_count":
		return float64(e.UserChargebackCount), true
	case "card_is_new":
		return e.CardIsNew, true

	// Velocity-счетчики
	case "card_attempts_10m":
		return float64(v.CardAttempts10M), true
	case "card_attempts_1h":
		return float64(v.CardAttempts1H), true
	case "card_attempts_24h":
		return float64(v.CardAttempts24H), true
	case "card_declines_10m":
		return float64(v.CardDeclines10M), true
	case "device_distinct_cards_24h":
		return float64(v.DeviceDistinctCards24H), true
	case "ip_distinct_cards_1h":
		return float64(v.IPDistinctCards1H), true
	case "user_transactions_24h":
		return float64(v.UserTransactions24H), true
	case "user_amount_24h_cents":
		return float64(v.UserAmount24HCents), true
	}
	return nil, false
}

// matchPredicate — сравнение одного предиката; false на любой некорректности.
func matchPredicate(c *evalCtx, p domain.Predicate) bool {
	val, ok := c.fieldValue(p.Field)
	if !ok {
		return false
	}

	switch p.Op {
	case domain.CmpEq, domain.CmpNe:
		eq, ok := literalEqual(val, p.Value)
		if !ok {
			return false
		}
		if p.Op == domain.CmpEq {
			return eq
		}
		return !eq

	case domain.CmpGt, domain.CmpGte, domain.CmpLt, domain.CmpLte:
		num, ok := val.(float64)
		if !ok {
			return false
		}
		var lit float64
		if err := json.Unmarshal(p.Value, &lit); err != nil {
			return false
		}
		switch p.Op {
		case domain.CmpGt:
			return num > lit
		case domain.CmpGte:
			return num >= lit
		case domain.CmpLt:
			return num < lit
		default:
			return num <= lit
		}

	case domain.CmpIn:
		str, ok := val.(string)
		if !ok {
			return false
		}
		var list []string
		if err := json.Unmarshal(p.Value, &list); err != nil {
			return false
		}
		for _, s := range list {
			if s == str {
				return true
			}
		}
		return false
	}
	return false
}

// literalEqual сравнивает значение поля с литералом того же типа.
func literalEqual(val interface{}, raw json.RawMessage) (equal, ok bool) {
	switch typed := val.(type) {
	case float64:
		var lit float64
		if err := json.Unmarshal(raw, &lit); err != nil {
			return false, false
		}
		return typed == lit, true
	case string:
		var lit string
		if err := json.Unmarshal(raw, &lit); err != nil {
			return false, false
		}
		return typed == lit, true
	case bool:
		var lit bool
		if err := json.Unmarshal(raw, &lit); err != nil {
			return false, false
		}
		return typed == lit, true
	}
	return false, false
}

// ruleMatches — конъюнкция всех предикатов правила.
// Правило без условий не матчится никогда: пустое правило — это ошибка
// конфигурации, а не «матчить всё».
func ruleMatches(c *evalCtx, r *domain.PolicyRule) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, p := range r.Conditions {
		if !matchPredicate(c, p) {
			return false
		}
	}
	return true
}
