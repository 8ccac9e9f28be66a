package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type authError struct {
	status  int
	message string
}

func (e *authError) Error() string {
	return e.message
}

type userClaims struct {
	UserID   string
	Username string
	Exp      int64
}

// bearerToken extracts the raw token from the Authorization header or, for
// clients that cannot set headers (browser websockets), the token query
// parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func parseUserToken(raw, jwtSecret string, now time.Time) (userClaims, *authError) {
	if raw == "" {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "missing bearer token"}
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt signature"}
	}

	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid jwt payload"}
	}
	userID, ok := payload["user_id"].(string)
	if !ok || userID == "" {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "missing user_id claim"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return userClaims{}, &authError{status: http.StatusUnauthorized, message: "token expired"}
	}
	username, _ := payload["username"].(string)

	return userClaims{UserID: userID, Username: username, Exp: exp}, nil
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

// SignUserToken mints an HS256 token for a user, for deployments running
// without an external identity provider.
func SignUserToken(jwtSecret, userID, username string, expiresAt time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, _ := json.Marshal(map[string]any{
		"user_id":  userID,
		"username": username,
		"exp":      expiresAt.Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(header + "." + payload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + signature
}
