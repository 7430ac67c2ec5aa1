package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — claims сервисного токена админского периметра.
// Actor попадает в changed_by каждой версии политики: любое изменение
// правил и списков должно быть атрибутировано конкретному оператору.
type OperatorClaims struct {
	Actor  string          `json:"actor"`
	Scopes map[string]bool `json:"scopes"` // "policy:write": true, "safemode:write": true
	jwt.RegisteredClaims
}

// Скоупы админского периметра.
const (
	ScopePolicyRead   = "policy:read"
	ScopePolicyWrite  = "policy:write"
	ScopeSafeMode     = "safemode:write"
	ScopeEvidenceRead = "evidence:read"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
