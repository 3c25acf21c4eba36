// Package synclock serializes content syncs per user with a TTL lock, so two
// concurrent sync requests for the same user cannot both refresh and rotate
// the stored credential.
package synclock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultTTL = 2 * time.Minute

// ErrHeld is returned when another sync for the same user is in flight.
var ErrHeld = errors.New("sync lock held")

// Manager hands out per-user sync locks backed by a DynamoDB table with a
// TTL attribute. A nil client selects a process-local in-memory lock table
// for development and tests.
type Manager struct {
	client      *dynamodb.Client
	tableName   string
	ttlDuration time.Duration

	mu    sync.Mutex
	local map[string]int64
}

// NewManager creates a new Manager.
func NewManager(client *dynamodb.Client, tableName string) *Manager {
	return &Manager{
		client:      client,
		tableName:   tableName,
		ttlDuration: DefaultTTL,
		local:       make(map[string]int64),
	}
}

// Acquire takes the user's sync lock. It succeeds when no lock exists or the
// existing lock has expired; a live lock returns ErrHeld. The TTL bounds how
// long a crashed sync can block the next one.
func (m *Manager) Acquire(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	expiresAt := now + int64(m.ttlDuration.Seconds())

	if m.client == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if exp, ok := m.local[userID]; ok && exp >= now {
			return ErrHeld
		}
		m.local[userID] = expiresAt
		return nil
	}

	_, err := m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.tableName),
		Item: map[string]types.AttributeValue{
			"user_id":    &types.AttributeValueMemberS{Value: userID},
			"expires_at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt)},
		},
		ConditionExpression: aws.String(
			"attribute_not_exists(user_id) OR expires_at < :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrHeld
		}
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	return nil
}

// Release frees the user's sync lock. Releasing a lock that already expired
// or was never taken is harmless.
func (m *Manager) Release(ctx context.Context, userID string) error {
	if m.client == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.local, userID)
		return nil
	}

	_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.tableName),
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}
