package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const tokenAudience = "cumulus"

const (
	scopeRead  = "records:read"
	scopeWrite = "records:write"
	scopeMove  = "granules:move"
	scopeAdmin = "admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		_, ok := claims.Scopes[requiredScope]
		_, admin := claims.Scopes[scopeAdmin]
		if !ok && !admin {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

// parseBearer verifies an HS256 token. Expiry is checked against now rather
// than the library clock so callers control time.
func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := &jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
			return tokenClaims{}, unauthorized("jwt signature mismatch")
		}
		return tokenClaims{}, unauthorized("invalid jwt")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	if _, ok := claims["exp"]; !ok {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !claims.VerifyAudience(tokenAudience, true) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := parseScopes(claims["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	exp, _ := claims["exp"].(float64)
	return tokenClaims{Subject: subject, Scopes: scopes, Exp: int64(exp)}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// verifyInternalHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that the timestamp is within maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
