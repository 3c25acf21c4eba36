package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/postmetric/backend/internal/content"
)

// ContentHandler serves the synced-content endpoints.
type ContentHandler struct {
	contentService *content.Service
	jwtSecret      string
}

// NewContentHandler creates a new ContentHandler.
func NewContentHandler(s *content.Service, jwtSecret string) *ContentHandler {
	return &ContentHandler{contentService: s, jwtSecret: jwtSecret}
}

// Sync pulls the user's recent posts from the provider and stores them.
func (h *ContentHandler) Sync(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"}), nil
	}

	count, err := h.contentService.Sync(ctx, userID)
	if err != nil {
		return errorResponse("Sync", err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"success": true,
		"synced":  count,
	}), nil
}

// List returns the user's stored content items, newest first.
func (h *ContentHandler) List(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthorized"}), nil
	}

	items, err := h.contentService.List(ctx, userID)
	if err != nil {
		return errorResponse("List", err), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{"items": items}), nil
}
