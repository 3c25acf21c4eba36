package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/postmetric/backend/internal/model"
)

// contentKey builds the in-memory map key for an item's natural key.
func contentKey(ownerUserID, postID string) string {
	return ownerUserID + "#" + postID
}

// UpsertContentItem inserts or updates an item keyed by (owner, post id).
// Metrics and LastSynced are overwritten on every sync; repeating the same
// upstream data does not create duplicates.
func (s *Store) UpsertContentItem(ctx context.Context, item model.ContentItem) error {
	if s.client == nil {
		s.mu.Lock()
		s.content[contentKey(item.OwnerUserID, item.PostID)] = item
		s.mu.Unlock()
		return nil
	}

	metrics, err := attributevalue.Marshal(item.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// UpdateItem creates the item when absent and merges when present, so a
	// re-sync never duplicates a post.
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.contentTable),
		Key: map[string]types.AttributeValue{
			"owner_user_id": &types.AttributeValueMemberS{Value: item.OwnerUserID},
			"post_id":       &types.AttributeValueMemberS{Value: item.PostID},
		},
		UpdateExpression: aws.String("SET external_user_id = :euid, #text = :text, " +
			"posted_at = :pat, metrics = :metrics, last_synced = :ls"),
		ExpressionAttributeNames: map[string]string{
			"#text": "text", // reserved word in DynamoDB expressions
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":euid":    &types.AttributeValueMemberS{Value: item.ExternalUserID},
			":text":    &types.AttributeValueMemberS{Value: item.Text},
			":pat":     &types.AttributeValueMemberS{Value: item.PostedAt.Format(time.RFC3339Nano)},
			":metrics": metrics,
			":ls":      &types.AttributeValueMemberS{Value: item.LastSynced.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert content item: %w", err)
	}
	return nil
}

// ListContentItems returns all synced items owned by a user, newest first.
func (s *Store) ListContentItems(ctx context.Context, ownerUserID string) ([]model.ContentItem, error) {
	var items []model.ContentItem

	if s.client == nil {
		s.mu.Lock()
		for _, item := range s.content {
			if item.OwnerUserID == ownerUserID {
				items = append(items, item)
			}
		}
		s.mu.Unlock()
	} else {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.contentTable),
			KeyConditionExpression: aws.String("owner_user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: ownerUserID},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query content items: %w", err)
		}
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content items: %w", err)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].PostedAt.After(items[j].PostedAt)
	})
	return items, nil
}
