package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionHandler issues and clears session tokens.
type SessionHandler struct {
	jwtSecret string
	devMode   bool
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(jwtSecret string, devMode bool) *SessionHandler {
	return &SessionHandler{jwtSecret: jwtSecret, devMode: devMode}
}

// DevLogin issues a temporary JWT for a throwaway user. Only available when
// DEV_MODE is enabled.
func (h *SessionHandler) DevLogin(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !h.devMode {
		return jsonResponse(http.StatusNotFound, map[string]string{"error": "not found"}), nil
	}

	userID := fmt.Sprintf("dev-user-%s", uuid.New().String())

	claims := jwt.MapClaims{
		"sub":  userID,
		"name": "Dev User",
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := jwtToken.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return jsonResponse(http.StatusInternalServerError, map[string]string{"error": "failed to sign token"}), nil
	}

	cookie := fmt.Sprintf("session_token=%s; HttpOnly; Path=/; Max-Age=86400; SameSite=Lax; Secure", signedToken)

	resp := jsonResponse(http.StatusOK, map[string]string{
		"user_id": userID,
		"token":   signedToken,
	})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {cookie},
	}
	return resp, nil
}

// Logout clears the session cookie.
func (h *SessionHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	// SameSite should match DevLogin
	sameSite := "Lax"
	if !h.devMode {
		sameSite = "None"
	}

	cookie := fmt.Sprintf("session_token=; HttpOnly; Path=/; Max-Age=0; SameSite=%s; Secure", sameSite)

	resp := jsonResponse(http.StatusOK, map[string]bool{"success": true})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {cookie},
	}
	return resp, nil
}
