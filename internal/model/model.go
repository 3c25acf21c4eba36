package model

import "time"

// PendingAuthorization is the transient per-user record of an in-flight
// authorization flow. A new initiation overwrites the previous record, so at
// most one flow per user can complete.
type PendingAuthorization struct {
	UserID       string    `json:"user_id" dynamodbav:"user_id"`
	CodeVerifier string    `json:"code_verifier" dynamodbav:"code_verifier"`
	State        string    `json:"state" dynamodbav:"state"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
}

// LinkedAccount is the durable linked-account field group on a user record.
// Token fields hold ciphertext; they are encrypted before storage and never
// leave the backend. Connected is only ever true with a full token set.
type LinkedAccount struct {
	UserID           string    `json:"user_id" dynamodbav:"user_id"`
	Connected        bool      `json:"connected" dynamodbav:"connected"`
	ExternalUserID   string    `json:"external_user_id" dynamodbav:"external_user_id"`
	ExternalUsername string    `json:"external_username" dynamodbav:"external_username"`
	EncryptedAccess  string    `json:"encrypted_access_token" dynamodbav:"encrypted_access_token"`
	EncryptedRefresh string    `json:"encrypted_refresh_token" dynamodbav:"encrypted_refresh_token"`
	ExpiresAt        time.Time `json:"expires_at" dynamodbav:"expires_at"`
	ConnectedAt      time.Time `json:"connected_at" dynamodbav:"connected_at"`
	LastContentSync  time.Time `json:"last_content_sync" dynamodbav:"last_content_sync"`
}

// Metrics holds the engagement counters for a post. Counters the provider
// omits are stored as 0, never null.
type Metrics struct {
	Likes       int `json:"likes" dynamodbav:"likes"`
	Reshares    int `json:"reshares" dynamodbav:"reshares"`
	Replies     int `json:"replies" dynamodbav:"replies"`
	Impressions int `json:"impressions" dynamodbav:"impressions"`
}

// ContentItem is one synced post. Its natural key is (OwnerUserID, PostID);
// re-syncing the same post updates Metrics and LastSynced in place.
type ContentItem struct {
	OwnerUserID    string    `json:"owner_user_id" dynamodbav:"owner_user_id"`
	ExternalUserID string    `json:"external_user_id" dynamodbav:"external_user_id"`
	PostID         string    `json:"post_id" dynamodbav:"post_id"`
	Text           string    `json:"text" dynamodbav:"text"`
	PostedAt       time.Time `json:"posted_at" dynamodbav:"posted_at"`
	Metrics        Metrics   `json:"metrics" dynamodbav:"metrics"`
	LastSynced     time.Time `json:"last_synced" dynamodbav:"last_synced"`
}
