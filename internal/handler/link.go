package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/postmetric/backend/internal/link"
)

// LinkHandler exposes the account-linking flow to the client.
type LinkHandler struct {
	linkService *link.Service
	jwtSecret   string
}

// NewLinkHandler creates a new LinkHandler.
func NewLinkHandler(s *link.Service, jwtSecret string) *LinkHandler {
	return &LinkHandler{linkService: s, jwtSecret: jwtSecret}
}

// InitiateRequest is the body of POST /link/initiate.
type InitiateRequest struct {
	CallbackURL string `json:"callback_url"`
}

// Initiate starts the link flow and returns the provider authorization URL
// for the client to redirect to.
func (h *LinkHandler) Initiate(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"}), nil
	}

	var input InitiateRequest
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "invalid request body"}), nil
	}
	if input.CallbackURL == "" {
		input.CallbackURL = "http://localhost:3000/auth/callback"
	}

	authURL, err := h.linkService.Initiate(ctx, userID, input.CallbackURL)
	if err != nil {
		return errorResponse("Initiate", err), nil
	}

	return jsonResponse(http.StatusOK, map[string]string{"auth_url": authURL}), nil
}

// CompleteRequest is the body of POST /link/complete, carrying the query
// parameters the provider appended to the callback redirect.
type CompleteRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	CallbackURL string `json:"callback_url"`
}

// Complete finishes the link flow by exchanging the authorization code.
func (h *LinkHandler) Complete(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"}), nil
	}

	var input CompleteRequest
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "invalid request body"}), nil
	}
	if input.CallbackURL == "" {
		input.CallbackURL = "http://localhost:3000/auth/callback"
	}

	username, err := h.linkService.Exchange(ctx, userID, input.Code, input.State, input.CallbackURL)
	if err != nil {
		return errorResponse("Complete", err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"success":  true,
		"username": username,
	}), nil
}

// Status returns the linked-account summary for the dashboard.
func (h *LinkHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"}), nil
	}

	status, err := h.linkService.GetStatus(ctx, userID)
	if err != nil {
		return errorResponse("Status", err), nil
	}

	return jsonResponse(http.StatusOK, status), nil
}
