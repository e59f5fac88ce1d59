package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// The core consumes an authenticated operator identity issued by an external
// session collaborator; only {id, role} are read from it. Tokens are
// HS256-signed JWTs verified here, never minted here.

const (
	RoleDriver     = "driver"
	RoleDispatcher = "dispatcher"
	RoleAdmin      = "admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type operatorClaims struct {
	OperatorID string
	Role       string
	Exp        int64
}

func authorizeBearer(authHeader, jwtSecret string, allowedRoles []string, now time.Time) (operatorClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return operatorClaims{}, err
	}
	if len(allowedRoles) > 0 {
		allowed := false
		for _, role := range allowedRoles {
			if claims.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			return operatorClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "role " + claims.Role + " may not perform this operation",
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (operatorClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return operatorClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}

	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	if !hmac.Equal(sigBytes, expected) {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	operatorID, ok := payload["operator_id"].(string)
	if !ok || operatorID == "" {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "missing operator_id claim"}
	}
	role, ok := payload["role"].(string)
	if !ok || role == "" {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "missing role claim"}
	}

	exp, err := parseExp(payload["exp"])
	if err != nil {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "haulsync" {
		return operatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	return operatorClaims{
		OperatorID: operatorID,
		Role:       role,
		Exp:        exp,
	}, nil
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
