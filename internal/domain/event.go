package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType — ось идентичности, по которой считаем velocity (карта, девайс, IP, юзер, сервис).
type EntityType string

const (
	EntityCard    EntityType = "card"
	EntityDevice  EntityType = "device"
	EntityIP      EntityType = "ip"
	EntityUser    EntityType = "user"
	EntityService EntityType = "service"
)

// DeviceInfo — слепок device fingerprint из события.
// Используется Bot-детектором и для расчета локального времени (timezone).
type DeviceInfo struct {
	DeviceID         string `json:"device_id"`
	DeviceType       string `json:"device_type,omitempty"` // mobile, desktop, tablet
	OS               string `json:"os,omitempty"`
	OSVersion        string `json:"os_version,omitempty"`
	Browser          string `json:"browser,omitempty"`
	BrowserVersion   string `json:"browser_version,omitempty"`
	IsEmulator       bool   `json:"is_emulator"`
	IsRooted         bool   `json:"is_rooted"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Language         string `json:"language,omitempty"`
}

// GeoInfo — сетевые и географические атрибуты запроса.
type GeoInfo struct {
	IPAddress    string   `json:"ip_address"`
	CountryCode  string   `json:"country_code,omitempty"`
	Region       string   `json:"region,omitempty"`
	City         string   `json:"city,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	IsDatacenter bool     `json:"is_datacenter"`
	IsVPN        bool     `json:"is_vpn"`
	IsProxy      bool     `json:"is_proxy"`
	IsTor        bool     `json:"is_tor"`
}

// VerificationInfo — результаты проверок платежной сети (AVS/CVV/3DS).
type VerificationInfo struct {
	AVSResult      string `json:"avs_result,omitempty"`
	CVVResult      string `json:"cvv_result,omitempty"`
	ThreeDSResult  string `json:"three_ds_result,omitempty"`
	ThreeDSVersion string `json:"three_ds_version,omitempty"`
}

// PaymentEvent — входная единица работы. Иммутабельна после приема:
// ретраи с тем же idempotency_key не перезаписывают событие, а дедуплицируются Guard-ом.
// Суммы только в минорных единицах (int64), никакого floating point для денег.
type PaymentEvent struct {
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
	EventType      string `json:"event_type,omitempty"` // purchase, subscription, topup...

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	CardToken    string `json:"card_token"`
	CardBIN      string `json:"card_bin,omitempty"`
	CardLastFour string `json:"card_last_four,omitempty"`
	CardCountry  string `json:"card_country,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	ServiceID string `json:"service_id,omitempty"`

	Channel     string `json:"channel,omitempty"` // web, app, pos
	IsRecurring bool   `json:"is_recurring"`
	IsGuest     bool   `json:"is_guest"`
	Has3DS      bool   `json:"has_3ds"`

	AccountAgeDays *int `json:"account_age_days,omitempty"`

	Device       *DeviceInfo       `json:"device,omitempty"`
	Geo          *GeoInfo          `json:"geo,omitempty"`
	Verification *VerificationInfo `json:"verification,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ErrInvalidEvent — структурная ошибка валидации входного события.
var ErrInvalidEvent = errors.New("invalid payment event")

// Validate проверяет только ключевые поля — те, без которых нельзя
// завести идемпотентность и evidence. Все опциональные поля
// деградируют в дефолты дальше по конвейеру, а не роняют запрос.
func (e *PaymentEvent) Validate() error {
	var missing []string

	if e.TransactionID == "" {
		missing = append(missing, "transaction_id")
	}
	if e.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if e.CardToken == "" {
		missing = append(missing, "card_token")
	}
	if e.AmountCents <= 0 {
		missing = append(missing, "amount_cents")
	}
	// Нужен хотя бы один идентификатор плательщика для профилей
	if e.UserID == "" && e.DeviceID == "" {
		missing = append(missing, "user_id|device_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid fields: %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

// IPAddress — безопасный доступ к IP (geo может отсутствовать).
func (e *PaymentEvent) IPAddress() string {
	if e.Geo == nil {
		return ""
	}
	return e.Geo.IPAddress
}

// EventTime возвращает таймстемп события, подставляя "сейчас" если клиент его не прислал.
func (e *PaymentEvent) EventTime() time.Time {
	if e.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return e.Timestamp
}
