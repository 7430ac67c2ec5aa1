package domain

import "time"

// VelocityFeatures — счетчики из скользящих окон Velocity Store.
// При недоступности стора все поля остаются нулями (fail-open к деградации точности).
type VelocityFeatures struct {
	CardAttempts10M int64 `json:"card_attempts_10m"`
	CardAttempts1H  int64 `json:"card_attempts_1h"`
	CardAttempts24H int64 `json:"card_attempts_24h"`
	CardDeclines10M int64 `json:"card_declines_10m"`
	CardDeclines1H  int64 `json:"card_declines_1h"`

	CardDistinctAccounts24H int64 `json:"card_distinct_accounts_24h"`
	CardDistinctDevices24H  int64 `json:"card_distinct_devices_24h"`
	CardDistinctIPs24H      int64 `json:"card_distinct_ips_24h"`
	CardDistinctUsers30D    int64 `json:"card_distinct_users_30d"`

	DeviceAttempts1H       int64 `json:"device_attempts_1h"`
	DeviceAttempts24H      int64 `json:"device_attempts_24h"`
	DeviceDistinctCards1H  int64 `json:"device_distinct_cards_1h"`
	DeviceDistinctCards24H int64 `json:"device_distinct_cards_24h"`
	DeviceDistinctUsers24H int64 `json:"device_distinct_users_24h"`

	IPAttempts1H      int64 `json:"ip_attempts_1h"`
	IPAttempts24H     int64 `json:"ip_attempts_24h"`
	IPDistinctCards1H int64 `json:"ip_distinct_cards_1h"`
	IPDistinctCards24H int64 `json:"ip_distinct_cards_24h"`

	UserTransactions24H  int64 `json:"user_transactions_24h"`
	UserTransactions7D   int64 `json:"user_transactions_7d"`
	UserDistinctCards30D int64 `json:"user_distinct_cards_30d"`
	UserAmount24HCents   int64 `json:"user_amount_24h_cents"`
}

// CardDeclineRate10M — производная метрика, не хранится: считаем по месту,
// чтобы attempt/decline всегда были согласованы.
func (v *VelocityFeatures) CardDeclineRate10M() float64 {
	if v.CardAttempts10M == 0 {
		return 0
	}
	return float64(v.CardDeclines10M) / float64(v.CardAttempts10M)
}

// EntityFeatures — медленно меняющиеся агрегаты из профилей сущностей.
type EntityFeatures struct {
	CardAgeHours          int64 `json:"card_age_hours"`
	CardTotalTransactions int64 `json:"card_total_transactions"`
	CardChargebackCount   int64 `json:"card_chargeback_count"`
	CardIsNew             bool  `json:"card_is_new"`

	// Последняя наблюдавшаяся геолокация карты (для impossible travel)
	LastGeoSeen *time.Time `json:"last_geo_seen,omitempty"`
	LastGeoLat  *float64   `json:"last_geo_lat,omitempty"`
	LastGeoLon  *float64   `json:"last_geo_lon,omitempty"`

	DeviceAgeHours          int64 `json:"device_age_hours"`
	DeviceIsEmulator        bool  `json:"device_is_emulator"`
	DeviceIsRooted          bool  `json:"device_is_rooted"`
	DeviceTotalTransactions int64 `json:"device_total_transactions"`
	DeviceChargebackCount   int64 `json:"device_chargeback_count"`

	IPIsDatacenter bool    `json:"ip_is_datacenter"`
	IPIsVPN        bool    `json:"ip_is_vpn"`
	IPIsProxy      bool    `json:"ip_is_proxy"`
	IPIsTor        bool    `json:"ip_is_tor"`
	IPCountryCode  string  `json:"ip_country_code,omitempty"`
	IPRiskScore    float64 `json:"ip_risk_score"`

	UserAccountAgeDays     int64  `json:"user_account_age_days"`
	UserIsNew              bool   `json:"user_is_new"`
	UserIsGuest            bool   `json:"user_is_guest"`
	UserRiskTier           string `json:"user_risk_tier,omitempty"`
	UserTotalTransactions  int64  `json:"user_total_transactions"`
	UserChargebackCount    int64  `json:"user_chargeback_count"`
	UserChargebackCount90D int64  `json:"user_chargeback_count_90d"`
	UserRefundCount90D     int64  `json:"user_refund_count_90d"`

	ServiceTotalTransactions int64 `json:"service_total_transactions"`

	IPCountryCardCountryMatch bool `json:"ip_country_card_country_match"`
}

// FeatureSet — плоский снимок всех фич для одного решения.
// Строится заново на каждый запрос и не мутируется после запуска детекторов:
// ровно этот снимок уходит в evidence для последующего replay.
type FeatureSet struct {
	Velocity VelocityFeatures `json:"velocity"`
	Entity   EntityFeatures   `json:"entity"`

	AmountCents  int64   `json:"amount_cents"`
	AmountZScore float64 `json:"amount_zscore"`
	IsHighValue  bool    `json:"is_high_value"`
	IsRecurring  bool    `json:"is_recurring"`
	Has3DS       bool    `json:"has_3ds"`
	Channel      string  `json:"channel,omitempty"`

	HourOfDay int  `json:"hour_of_day"`
	IsWeekend bool `json:"is_weekend"`

	IsNewCardForUser   bool `json:"is_new_card_for_user"`
	IsNewDeviceForUser bool `json:"is_new_device_for_user"`

	AVSMatch bool `json:"avs_match"`
	CVVMatch bool `json:"cvv_match"`

	// Какие подзапросы деградировали в дефолты (для health и отладки)
	Degraded []string `json:"degraded,omitempty"`
}
