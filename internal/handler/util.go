package handler

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "session_token"

// headerValue does a case-insensitive header lookup on an API Gateway request.
func headerValue(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// sessionToken pulls the raw session JWT from the Authorization header or the
// session cookie.
func sessionToken(req events.APIGatewayProxyRequest) string {
	if auth := headerValue(req, "Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	for _, part := range strings.Split(headerValue(req, "Cookie"), ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, sessionCookie+"=") {
			return strings.TrimPrefix(part, sessionCookie+"=")
		}
	}
	return ""
}

// GetUserID verifies the session JWT and returns the caller's user ID.
// The identity provider issued the session; this backend only validates it.
func GetUserID(req events.APIGatewayProxyRequest, jwtSecret string) (string, error) {
	tokenString := sessionToken(req)
	if tokenString == "" {
		return "", fmt.Errorf("no authorization token found")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}
	return "", fmt.Errorf("invalid token claims")
}
