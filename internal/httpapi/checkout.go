package httpapi

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const checkoutTokenTTL = 30 * time.Minute

// checkoutClaims travels to the payment provider at session creation and
// comes back, re-signed by the provider, on the fulfillment webhook.
type checkoutClaims struct {
	PackageType string `json:"package_type"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	SessionID   string `json:"session_id"`
	jwt.RegisteredClaims
}

// newCheckoutToken signs a checkout session token for a user and package.
func newCheckoutToken(signingKey string, userID string, creditPackage CreditPackage, now time.Time) (string, string, error) {
	sessionID := uuid.NewString()
	claims := checkoutClaims{
		PackageType: creditPackage.Type,
		Credits:     creditPackage.Credits,
		AmountCents: creditPackage.AmountCents,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(checkoutTokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		return "", "", fmt.Errorf("sign checkout token: %w", err)
	}
	return token, sessionID, nil
}

// parseWebhookToken verifies an HS256 fulfillment event token.
func parseWebhookToken(signingKey string, raw string) (*checkoutClaims, error) {
	claims := &checkoutClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse webhook token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("webhook token invalid")
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("webhook token missing subject or session")
	}
	return claims, nil
}

// checkoutRedirectURL composes the hosted payment page URL.
func checkoutRedirectURL(baseURL string, token string) string {
	return fmt.Sprintf("%s?token=%s", baseURL, url.QueryEscape(token))
}
