package domain

// Decision — финальный вердикт конвейера по транзакции.
type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionFriction Decision = "FRICTION" // Доп. проверка (3DS/OTP), платеж не блокируем
	DecisionReview   Decision = "REVIEW"   // В очередь аналитику
	DecisionBlock    Decision = "BLOCK"
)

// Severity прямо в вердикт не попадает, но сопровождает каждую причину.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Priority — ранжирование вердиктов по строгости.
// Нужно порогам: REVIEW не должен понижаться до FRICTION, если сработали оба.
func (d Decision) Priority() int {
	switch d {
	case DecisionFriction:
		return 1
	case DecisionReview:
		return 2
	case DecisionBlock:
		return 3
	default:
		return 0 // ALLOW и все неизвестное
	}
}

// Valid сообщает, входит ли значение в четверку допустимых вердиктов.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionFriction, DecisionReview, DecisionBlock:
		return true
	}
	return false
}

// FrictionType — какой именно step-up применить при FRICTION.
type FrictionType string

const (
	Friction3DS     FrictionType = "3DS"
	FrictionOTP     FrictionType = "OTP"
	FrictionStepUp  FrictionType = "STEP_UP"
	FrictionCaptcha FrictionType = "CAPTCHA"
)

// Reason — объяснимость решения: что сработало и почему.
// Коды стабильны (их парсят аналитика и representment), описания — нет.
type Reason struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	TriggeredBy string `json:"triggered_by,omitempty"`
	Value       string `json:"value,omitempty"`
	Threshold   string `json:"threshold,omitempty"`
}

// Стандартные коды причин. Формат: {КАТЕГОРИЯ}_{ДЕТАЛЬ}.
const (
	ReasonCardTestingVelocity     = "CARD_TESTING_VELOCITY"
	ReasonCardTestingDeclineRatio = "CARD_TESTING_DECLINE_RATIO"
	ReasonCardTestingSmallAmounts = "CARD_TESTING_SMALL_AMOUNTS"

	ReasonVelocityCard1H       = "VELOCITY_CARD_1H"
	ReasonVelocityDeviceCards  = "VELOCITY_DEVICE_CARDS"
	ReasonVelocityIPCards      = "VELOCITY_IP_CARDS"
	ReasonVelocityUser24H      = "VELOCITY_USER_24H"
	ReasonVelocityUserAmount   = "VELOCITY_USER_AMOUNT_24H"
	ReasonVelocityCardSpread   = "VELOCITY_CARD_SPREAD"
	ReasonVelocityCardAccounts = "VELOCITY_CARD_ACCOUNTS"

	ReasonGeoImpossibleTravel = "GEO_IMPOSSIBLE_TRAVEL"
	ReasonGeoCountryMismatch  = "GEO_COUNTRY_MISMATCH"
	ReasonGeoHighRiskCountry  = "GEO_HIGH_RISK_COUNTRY"

	ReasonBotEmulator              = "BOT_EMULATOR"
	ReasonBotRootedDevice          = "BOT_ROOTED_DEVICE"
	ReasonBotDatacenterIP          = "BOT_DATACENTER_IP"
	ReasonBotTorExit               = "BOT_TOR_EXIT"
	ReasonBotVPNProxy              = "BOT_VPN_PROXY"
	ReasonBotSuspiciousUA          = "BOT_SUSPICIOUS_UA"
	ReasonBotIncompleteFingerprint = "BOT_INCOMPLETE_FINGERPRINT"

	ReasonFriendlyChargebackRate = "FRIENDLY_HIGH_CHARGEBACK_RATE"
	ReasonFriendlyRefundRate     = "FRIENDLY_HIGH_REFUND_RATE"
	ReasonFriendlyDisputes       = "FRIENDLY_DISPUTE_HISTORY"
	ReasonSubscriptionNewUser    = "SUBSCRIPTION_NEW_USER"
	ReasonSubscriptionVelocity   = "SUBSCRIPTION_HIGH_VELOCITY"
	ReasonSubscriptionAnonNet    = "SUBSCRIPTION_ANON_NETWORK"

	ReasonBlocklistCard   = "BLOCKLIST_CARD"
	ReasonBlocklistDevice = "BLOCKLIST_DEVICE"
	ReasonBlocklistIP     = "BLOCKLIST_IP"
	ReasonBlocklistUser   = "BLOCKLIST_USER"
	ReasonAllowlistCard   = "ALLOWLIST_CARD"
	ReasonAllowlistUser   = "ALLOWLIST_USER"
	ReasonAllowlistSvc    = "ALLOWLIST_SERVICE"

	ReasonSafeMode          = "SAFE_MODE"
	ReasonDecisionTimeout   = "DECISION_TIMEOUT"
	ReasonIdempotencyDown   = "IDEMPOTENCY_UNAVAILABLE"
	ReasonDuplicateInFlight = "DUPLICATE_IN_FLIGHT"
)

// RiskScores — детерминированный выход скоринга, все значения в [0,1].
// Разбивка по детекторам хранится всегда: это контракт для explainability.
type RiskScores struct {
	RiskScore          float64 `json:"risk_score"`
	CriminalScore      float64 `json:"criminal_score"`
	FriendlyFraudScore float64 `json:"friendly_fraud_score"`
	Confidence         float64 `json:"confidence"`

	// Вклад каждого детектора (до взвешивания)
	CardTestingScore  float64 `json:"card_testing_score"`
	VelocityScore     float64 `json:"velocity_score"`
	GeoScore          float64 `json:"geo_score"`
	BotScore          float64 `json:"bot_score"`
	FriendlyScore     float64 `json:"friendly_score"`
	SubscriptionScore float64 `json:"subscription_score"`
}

// DecisionResponse — то, что видит транспортный слой. Либо целиком, либо никак:
// частично заполненный ответ наружу не уходит.
type DecisionResponse struct {
	TransactionID  string   `json:"transaction_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	Decision       Decision `json:"decision"`

	Reasons []Reason   `json:"reasons"`
	Scores  RiskScores `json:"scores"`

	FrictionType    FrictionType `json:"friction_type,omitempty"`
	FrictionMessage string       `json:"friction_message,omitempty"`
	ReviewPriority  string       `json:"review_priority,omitempty"`

	TriggeredRules []string `json:"triggered_rules,omitempty"`

	PolicyVersion string `json:"policy_version"`

	// Тайминги стадий для SLO-мониторинга
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	FeatureTimeMS    float64 `json:"feature_time_ms"`
	ScoringTimeMS    float64 `json:"scoring_time_ms"`
	PolicyTimeMS     float64 `json:"policy_time_ms"`

	Cached   bool `json:"is_cached"`
	SafeMode bool `json:"safe_mode,omitempty"`
}
