package upbit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// authToken builds the Upbit Authorization value for a request.
//
// Upbit authenticates each request with a compact JWT signed with
// HMAC-SHA256 over the API secret. Requests that carry query parameters
// or form fields additionally include a SHA512 hash of the encoded query
// string in the token payload.
func authToken(accessKey, secretKey, rawQuery string) (string, error) {
	payload := map[string]string{
		"access_key": accessKey,
		"nonce":      uuid.NewString(),
	}
	if rawQuery != "" {
		sum := sha512.Sum512([]byte(rawQuery))
		payload["query_hash"] = hex.EncodeToString(sum[:])
		payload["query_hash_alg"] = "SHA512"
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	claims, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claims)

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return "Bearer " + signingInput + "." + sig, nil
}
