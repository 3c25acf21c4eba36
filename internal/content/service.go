// Package content syncs the linked account's recent posts into the document
// store and serves them to the dashboard.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postmetric/backend/internal/apperr"
	"github.com/postmetric/backend/internal/link"
	"github.com/postmetric/backend/internal/model"
	"github.com/postmetric/backend/internal/store"
	"github.com/postmetric/backend/internal/synclock"
	"github.com/postmetric/backend/internal/twitter"
)

// Service runs request-triggered content syncs. There is no scheduler; every
// sync happens because a client asked for one.
type Service struct {
	links *link.Service
	api   *twitter.Client
	store *store.Store
	locks *synclock.Manager
}

// NewService creates a Service.
func NewService(links *link.Service, api *twitter.Client, st *store.Store, locks *synclock.Manager) *Service {
	return &Service{links: links, api: api, store: st, locks: locks}
}

// Sync fetches the most recent posts for the user's linked account and
// upserts them keyed by post id. It returns the number of items processed;
// zero items is a success, not an error. The sync timestamp only advances
// after a successful fetch, so a quota or upstream failure leaves existing
// content and bookkeeping untouched.
func (s *Service) Sync(ctx context.Context, userID string) (int, error) {
	// One sync at a time per user. Overlapping syncs would race the refresh
	// and could clobber a freshly rotated refresh token.
	if err := s.locks.Acquire(ctx, userID); err != nil {
		if errors.Is(err, synclock.ErrHeld) {
			return 0, apperr.New(apperr.KindFailedPrecondition, "a sync is already in progress")
		}
		return 0, err
	}
	defer func() {
		if err := s.locks.Release(ctx, userID); err != nil {
			fmt.Printf("Release sync lock error: %v\n", err)
		}
	}()

	accessToken, err := s.links.ValidAccessToken(ctx, userID)
	if err != nil {
		return 0, err
	}

	externalUserID, err := s.links.ExternalUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	posts, err := s.api.RecentPosts(ctx, accessToken, externalUserID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	for _, post := range posts {
		item := model.ContentItem{
			OwnerUserID:    userID,
			ExternalUserID: externalUserID,
			PostID:         post.ID,
			Text:           post.Text,
			PostedAt:       post.CreatedAt,
			Metrics: model.Metrics{
				Likes:       post.PublicMetrics.LikeCount,
				Reshares:    post.PublicMetrics.RetweetCount,
				Replies:     post.PublicMetrics.ReplyCount,
				Impressions: post.PublicMetrics.ImpressionCount,
			},
			LastSynced: now,
		}
		if err := s.store.UpsertContentItem(ctx, item); err != nil {
			return 0, fmt.Errorf("failed to upsert post %s: %w", post.ID, err)
		}
	}

	if err := s.store.SetLastContentSync(ctx, userID, now); err != nil {
		return 0, fmt.Errorf("failed to record sync time: %w", err)
	}

	return len(posts), nil
}

// List returns the user's synced posts, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]model.ContentItem, error) {
	return s.store.ListContentItems(ctx, userID)
}
