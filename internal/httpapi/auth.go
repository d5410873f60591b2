package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fieldhealth/changegate/internal/feed"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer parses and verifies the bearer token and resolves it
// into the subscriber identity the feed engine filters for.
func authorizeBearer(authHeader, jwtSecret string, now time.Time) (feed.Identity, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return feed.Identity{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return feed.Identity{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid jwt format",
		}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}

	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	if !hmac.Equal(sigBytes, expected) {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}

	name, ok := payload["sub"].(string)
	if !ok || name == "" {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}

	exp, err := parseExp(payload["exp"])
	if err != nil {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "changegate" {
		return feed.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	ident := feed.Identity{
		Name:        name,
		Roles:       parseStringList(payload["roles"]),
		Permissions: parsePermissions(payload["permissions"]),
	}
	if facilityID, ok := payload["facility_id"].(string); ok {
		ident.FacilityID = facilityID
	}
	if contactID, ok := payload["contact_id"].(string); ok {
		ident.ContactID = contactID
	}
	return ident, nil
}

func parseStringList(v any) []string {
	var out []string
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range typed {
			if s != "" {
				out = append(out, s)
			}
		}
	case string:
		out = append(out, strings.Fields(typed)...)
	}
	return out
}

func parsePermissions(v any) map[string]bool {
	out := map[string]bool{}
	for _, perm := range parseStringList(v) {
		out[perm] = true
	}
	return out
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
