package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/postmetric/backend/internal/apperr"
)

// jsonResponse marshals body into an API Gateway JSON response.
func jsonResponse(status int, body interface{}) events.APIGatewayProxyResponse {
	b, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(b),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// errorResponse logs the full error and returns its sanitized message with
// the HTTP status for its kind.
func errorResponse(op string, err error) events.APIGatewayProxyResponse {
	fmt.Printf("%s error: %v\n", op, err)

	return jsonResponse(statusFor(apperr.KindOf(err)), map[string]string{
		"error": apperr.MessageOf(err),
	})
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindFailedPrecondition:
		return http.StatusConflict
	case apperr.KindSecurityViolation:
		return http.StatusForbidden
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
