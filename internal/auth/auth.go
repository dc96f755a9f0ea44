package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// WriteScope is the scope a token must carry to trigger promotions.
const WriteScope = "promotion:write"

// Verifier authenticates operator requests from Bearer tokens signed by the
// platform identity service. Keys are loaded from a PEM file containing one
// or more public keys or certificates.
type Verifier struct {
	keys            []interface{}
	allowDebugToken bool
	debugToken      string
}

func NewVerifier(keysFile string, allowDebugToken bool, debugToken string) (*Verifier, error) {
	v := &Verifier{
		allowDebugToken: allowDebugToken,
		debugToken:      debugToken,
	}
	if keysFile != "" {
		if err := v.loadKeys(keysFile); err != nil {
			return nil, fmt.Errorf("load auth keys: %w", err)
		}
	}
	return v, nil
}

func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no valid keys found in %s", path)
	}
	v.keys = keys
	return nil
}

// VerifyRequest authenticates a request and returns the acting operator id.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	if v.allowDebugToken {
		if token := r.Header.Get("X-Debug-Token"); token != "" {
			if token == v.debugToken {
				actor := r.Header.Get("X-Debug-Actor")
				if actor == "" {
					actor = "debug"
				}
				return actor, nil
			}
			return "", errors.New("invalid debug token")
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("authentication required")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (string, error) {
	if len(v.keys) == 0 {
		return "", errors.New("no auth keys configured")
	}

	var token *jwt.Token
	var err error
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if !hasScope(claims, WriteScope) {
		return "", errors.New("missing required scope " + WriteScope)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("missing subject claim")
	}
	return sub, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == want {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
