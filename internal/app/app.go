package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/oauth2"

	"github.com/postmetric/backend/internal/content"
	"github.com/postmetric/backend/internal/crypto"
	"github.com/postmetric/backend/internal/handler"
	"github.com/postmetric/backend/internal/link"
	"github.com/postmetric/backend/internal/secret"
	"github.com/postmetric/backend/internal/store"
	"github.com/postmetric/backend/internal/synclock"
	"github.com/postmetric/backend/internal/twitter"
)

// App holds the dependencies for the Lambda function.
type App struct {
	linkHandler      *handler.LinkHandler
	contentHandler   *handler.ContentHandler
	sessionHandler   *handler.SessionHandler
	apiGatewaySecret string
}

// NewApp initializes the application dependencies.
func NewApp(ctx context.Context) *App {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("unable to load SDK config, %v", err))
	}

	devMode := os.Getenv("DEV_MODE") == "true"

	// DynamoDB Client (nil in DEV_MODE selects the in-memory store)
	var dynamoClient *dynamodb.Client
	if devMode {
		fmt.Println("Using In-Memory Storage (DEV_MODE=true)")
	} else {
		dynamoClient = dynamodb.NewFromConfig(cfg)
	}

	// KMS Client
	var encryptor crypto.Encryptor
	if devMode {
		encryptor = crypto.NewMockEncryptor()
		fmt.Println("Using MockEncryptor (DEV_MODE=true)")
	} else {
		kmsClient := kms.NewFromConfig(cfg)
		kmsKeyID := os.Getenv("KMS_KEY_ID")
		if kmsKeyID == "" {
			kmsKeyID = "alias/postmetric-token-key"
		}
		encryptor = crypto.NewKMSEncryptor(kmsClient, kmsKeyID)
	}

	// Tables
	pendingTable := os.Getenv("PENDING_AUTH_TABLE")
	if pendingTable == "" {
		pendingTable = "PendingAuthorizations"
	}
	usersTable := os.Getenv("USERS_TABLE")
	if usersTable == "" {
		usersTable = "Users"
	}
	contentTable := os.Getenv("CONTENT_ITEMS_TABLE")
	if contentTable == "" {
		contentTable = "ContentItems"
	}
	st := store.New(dynamoClient, pendingTable, usersTable, contentTable)

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if devMode {
		resolver = secret.NewEnvResolver()
		fmt.Println("Using EnvResolver (DEV_MODE=true)")
	} else {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(cfg))
		fmt.Println("Using SSMResolver (SSM Parameter Store)")
	}

	// Resolve secrets from SSM Parameter Store (or env vars in DEV_MODE)
	twitterClientSecretParam := os.Getenv("TWITTER_CLIENT_SECRET_PARAM")
	if twitterClientSecretParam == "" {
		twitterClientSecretParam = "/postmetric/twitter-client-secret"
	}
	twitterClientSecret, err := resolver.GetSecret(ctx, twitterClientSecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve TWITTER_CLIENT_SECRET: %v", err)
	}

	jwtSecretParam := os.Getenv("JWT_SECRET_PARAM")
	if jwtSecretParam == "" {
		jwtSecretParam = "/postmetric/jwt-secret"
	}
	jwtSecret, err := resolver.GetSecret(ctx, jwtSecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve JWT_SECRET: %v", err)
		jwtSecret = "default-dev-secret"
	}

	apiGatewaySecretParam := os.Getenv("API_GATEWAY_SECRET_PARAM")
	if apiGatewaySecretParam == "" {
		apiGatewaySecretParam = "/postmetric/api-gateway-secret"
	}
	apiGatewaySecret, err := resolver.GetSecret(ctx, apiGatewaySecretParam)
	if err != nil {
		log.Printf("WARNING: failed to resolve API_GATEWAY_SECRET: %v", err)
	}

	// Provider client. TWITTER_API_BASE_URL points at a local stub in dev.
	apiBaseURL := os.Getenv("TWITTER_API_BASE_URL")
	apiClient := twitter.NewClient(apiBaseURL)

	oauthConfig := &oauth2.Config{
		ClientID:     os.Getenv("TWITTER_CLIENT_ID"),
		ClientSecret: twitterClientSecret,
		Scopes:       twitter.Scopes,
		Endpoint:     twitter.Endpoint(apiBaseURL),
	}

	syncLocksTable := os.Getenv("SYNC_LOCKS_TABLE")
	if syncLocksTable == "" {
		syncLocksTable = "SyncLocks"
	}
	lockManager := synclock.NewManager(dynamoClient, syncLocksTable)

	linkService := link.NewService(oauthConfig, st, apiClient, encryptor)
	contentService := content.NewService(linkService, apiClient, st, lockManager)

	return &App{
		linkHandler:      handler.NewLinkHandler(linkService, jwtSecret),
		contentHandler:   handler.NewContentHandler(contentService, jwtSecret),
		sessionHandler:   handler.NewSessionHandler(jwtSecret, devMode),
		apiGatewaySecret: apiGatewaySecret,
	}
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	fmt.Printf("Request: %s %s\n", method, path)

	// CORS Preflight
	if method == "OPTIONS" {
		return corsResponse(events.APIGatewayProxyResponse{StatusCode: 204}), nil
	}

	// Security: Verify Request Origin (CloudFront only)
	// Skip check for OPTIONS (preflight) and if DEV_MODE is true
	if os.Getenv("DEV_MODE") != "true" {
		if req.Headers["X-Origin-Verify"] != app.apiGatewaySecret && req.Headers["x-origin-verify"] != app.apiGatewaySecret {
			fmt.Printf("Security Block: Missing or invalid X-Origin-Verify header\n")
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	if strings.HasPrefix(path, "/api") {
		path = strings.TrimPrefix(path, "/api")
	}

	// /link
	if path == "/link/initiate" && method == "POST" {
		return corsResponse(must(app.linkHandler.Initiate(ctx, req))), nil
	}
	if path == "/link/complete" && method == "POST" {
		return corsResponse(must(app.linkHandler.Complete(ctx, req))), nil
	}
	if path == "/link/status" && method == "GET" {
		return corsResponse(must(app.linkHandler.Status(ctx, req))), nil
	}

	// /content
	if path == "/content/sync" && method == "POST" {
		return corsResponse(must(app.contentHandler.Sync(ctx, req))), nil
	}
	if path == "/content" && method == "GET" {
		return corsResponse(must(app.contentHandler.List(ctx, req))), nil
	}

	// /auth
	if path == "/auth/dev-login" && method == "GET" {
		return corsResponse(must(app.sessionHandler.DevLogin(ctx, req))), nil
	}
	if path == "/auth/logout" && method == "POST" {
		return corsResponse(must(app.sessionHandler.Logout(ctx, req))), nil
	}

	return corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = os.Getenv("FRONTEND_URL")
	if resp.Headers["Access-Control-Allow-Origin"] == "" {
		resp.Headers["Access-Control-Allow-Origin"] = "http://localhost:3000"
	}
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, ignoring the error.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		fmt.Printf("Handler error: %v\n", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
