package auth

import (
	"context"
	"errors"

	"github.com/2witstudios/pagespace/internal/storage"
)

// PageAuthorizer decides what a user may do with a page.
type PageAuthorizer interface {
	CanView(ctx context.Context, userID, pageID string) (bool, error)
	CanEdit(ctx context.Context, userID, pageID string) (bool, error)
}

// OwnerAuthorizer grants the page owner full access and everyone else in
// the same deployment read access. Pages without an owner are writable by
// any authenticated user.
type OwnerAuthorizer struct {
	pages storage.PageStore
}

// NewOwnerAuthorizer creates an ownership-based authorizer.
func NewOwnerAuthorizer(pages storage.PageStore) *OwnerAuthorizer {
	return &OwnerAuthorizer{pages: pages}
}

func (a *OwnerAuthorizer) CanView(ctx context.Context, userID, pageID string) (bool, error) {
	_, err := a.pages.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return userID != "", nil
}

func (a *OwnerAuthorizer) CanEdit(ctx context.Context, userID, pageID string) (bool, error) {
	page, err := a.pages.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return page.OwnerID == "" || page.OwnerID == userID, nil
}
