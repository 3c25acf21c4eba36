// Package store is the document-store layer: pending authorization flows,
// per-user linked-account credentials, and synced content items, each keyed
// by user. Backed by DynamoDB; with a nil client it falls back to in-memory
// maps (tests, DEV_MODE without LocalStack).
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/postmetric/backend/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists the three collections. All mutations are scoped to a single
// user's records.
type Store struct {
	client       *dynamodb.Client
	pendingTable string
	usersTable   string
	contentTable string

	// In-memory fallback
	mu      sync.Mutex
	pending map[string]model.PendingAuthorization
	linked  map[string]model.LinkedAccount
	content map[string]model.ContentItem
}

// New creates a Store. A nil client selects the in-memory fallback.
func New(client *dynamodb.Client, pendingTable, usersTable, contentTable string) *Store {
	return &Store{
		client:       client,
		pendingTable: pendingTable,
		usersTable:   usersTable,
		contentTable: contentTable,
		pending:      make(map[string]model.PendingAuthorization),
		linked:       make(map[string]model.LinkedAccount),
		content:      make(map[string]model.ContentItem),
	}
}

// PutPending saves the pending authorization for a user, replacing any
// existing record. Last writer wins; only the most recent flow can complete.
func (s *Store) PutPending(ctx context.Context, p model.PendingAuthorization) error {
	if s.client == nil {
		s.mu.Lock()
		s.pending[p.UserID] = p
		s.mu.Unlock()
		return nil
	}

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.pendingTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return nil
}

// GetPending retrieves the pending authorization for a user without
// consuming it.
func (s *Store) GetPending(ctx context.Context, userID string) (*model.PendingAuthorization, error) {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.pending[userID]
		if !ok {
			return nil, ErrNotFound
		}
		return &p, nil
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.pendingTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pending authorization: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var p model.PendingAuthorization
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &p, nil
}

// ConsumePending deletes the pending authorization, but only if it still
// carries the given state. Of two flows racing on the same user, only the one
// whose state survived the last initiation can consume; the other gets
// ErrNotFound. The condition makes the delete single-use.
func (s *Store) ConsumePending(ctx context.Context, userID, state string) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.pending[userID]
		if !ok || p.State != state {
			return ErrNotFound
		}
		delete(s.pending, userID)
		return nil
	}

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.pendingTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConditionExpression: aws.String("#state = :state"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state", // reserved word in DynamoDB expressions
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": &types.AttributeValueMemberS{Value: state},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to consume pending authorization: %w", err)
	}
	return nil
}

// GetLinkedAccount retrieves the linked-account field group for a user.
func (s *Store) GetLinkedAccount(ctx context.Context, userID string) (*model.LinkedAccount, error) {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		la, ok := s.linked[userID]
		if !ok {
			return nil, ErrNotFound
		}
		return &la, nil
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.usersTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get linked account: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var la model.LinkedAccount
	if err := attributevalue.UnmarshalMap(out.Item, &la); err != nil {
		return nil, fmt.Errorf("failed to unmarshal linked account: %w", err)
	}
	return &la, nil
}

// PutLinkedAccount writes the full linked-account field group for a user.
// Only these attributes are touched; the rest of the user record is left
// alone (UpdateItem SET, not a whole-item Put).
func (s *Store) PutLinkedAccount(ctx context.Context, la model.LinkedAccount) error {
	if s.client == nil {
		s.mu.Lock()
		s.linked[la.UserID] = la
		s.mu.Unlock()
		return nil
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.usersTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: la.UserID},
		},
		UpdateExpression: aws.String("SET connected = :connected, external_user_id = :euid, " +
			"external_username = :eun, encrypted_access_token = :at, encrypted_refresh_token = :rt, " +
			"expires_at = :exp, connected_at = :cat, last_content_sync = :lcs"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":connected": &types.AttributeValueMemberBOOL{Value: la.Connected},
			":euid":      &types.AttributeValueMemberS{Value: la.ExternalUserID},
			":eun":       &types.AttributeValueMemberS{Value: la.ExternalUsername},
			":at":        &types.AttributeValueMemberS{Value: la.EncryptedAccess},
			":rt":        &types.AttributeValueMemberS{Value: la.EncryptedRefresh},
			":exp":       &types.AttributeValueMemberS{Value: la.ExpiresAt.Format(time.RFC3339Nano)},
			":cat":       &types.AttributeValueMemberS{Value: la.ConnectedAt.Format(time.RFC3339Nano)},
			":lcs":       &types.AttributeValueMemberS{Value: la.LastContentSync.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save linked account: %w", err)
	}
	return nil
}

// UpdateTokens overwrites the token pair and expiry after a refresh. The
// last writer's pair is authoritative; nothing else in the group changes.
func (s *Store) UpdateTokens(ctx context.Context, userID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		la, ok := s.linked[userID]
		if !ok {
			return ErrNotFound
		}
		la.EncryptedAccess = encryptedAccess
		la.EncryptedRefresh = encryptedRefresh
		la.ExpiresAt = expiresAt
		s.linked[userID] = la
		return nil
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.usersTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:    aws.String("SET encrypted_access_token = :at, encrypted_refresh_token = :rt, expires_at = :exp"),
		ConditionExpression: aws.String("connected = :true"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":   &types.AttributeValueMemberS{Value: encryptedAccess},
			":rt":   &types.AttributeValueMemberS{Value: encryptedRefresh},
			":exp":  &types.AttributeValueMemberS{Value: expiresAt.Format(time.RFC3339Nano)},
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// SetLastContentSync records when a content sync last completed.
func (s *Store) SetLastContentSync(ctx context.Context, userID string, at time.Time) error {
	if s.client == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		la, ok := s.linked[userID]
		if !ok {
			return ErrNotFound
		}
		la.LastContentSync = at
		s.linked[userID] = la
		return nil
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.usersTable),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: aws.String("SET last_content_sync = :lcs"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lcs": &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update last content sync: %w", err)
	}
	return nil
}
