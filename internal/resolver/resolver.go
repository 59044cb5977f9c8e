// Package resolver matches external playback item references against the
// local book catalog.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/playback"
	"github.com/evanharte/playsync/pkg/cache"
)

// Catalog is the subset of the book repository the resolver needs
type Catalog interface {
	FindBookByExternalID(externalID string) (*database.Book, error)
	FindBookByISBN(isbn string) (*database.Book, error)
	FindBookByTitleAuthor(title, author string) (*database.Book, error)
}

// DetailFetcher fetches item metadata when a reference is too bare to match
type DetailFetcher interface {
	GetItemDetail(ctx context.Context, itemID string) (*playback.ItemDetail, error)
}

// Resolver maps item references to local book IDs. Lookup order is external
// item ID, then ISBN-13, then ISBN-10, then exact title and author. When a
// reference carries only an identifier the resolver fetches the item's
// metadata once and caches it.
type Resolver struct {
	catalog Catalog
	fetcher DetailFetcher
	details *cache.Cache[*playback.ItemDetail]
	log     *logger.Logger
}

const detailCacheTTL = 30 * time.Minute

// New creates a resolver over the given catalog. fetcher may be nil, in
// which case bare references simply fail to resolve.
func New(catalog Catalog, fetcher DetailFetcher) *Resolver {
	return &Resolver{
		catalog: catalog,
		fetcher: fetcher,
		details: cache.New[*playback.ItemDetail](),
		log:     logger.Get(),
	}
}

// Resolve returns the local book ID for an item reference. A reference that
// matches nothing is not an error; ok is false and the caller skips the
// session.
func (r *Resolver) Resolve(ctx context.Context, ref playback.ItemRef) (string, bool, error) {
	if ref.Bare() && ref.ExternalID != "" && r.fetcher != nil {
		enriched, err := r.enrich(ctx, ref)
		if err != nil {
			return "", false, err
		}
		ref = enriched
	}

	if ref.ExternalID != "" {
		book, err := r.catalog.FindBookByExternalID(ref.ExternalID)
		if err != nil {
			return "", false, fmt.Errorf("external ID lookup failed: %w", err)
		}
		if book != nil {
			return book.ID, true, nil
		}
	}

	for _, isbn := range []string{ref.ISBN13, ref.ISBN10} {
		if isbn == "" {
			continue
		}
		book, err := r.catalog.FindBookByISBN(isbn)
		if err != nil {
			return "", false, fmt.Errorf("ISBN lookup failed: %w", err)
		}
		if book != nil {
			return book.ID, true, nil
		}
	}

	if ref.Title != "" {
		book, err := r.catalog.FindBookByTitleAuthor(ref.Title, ref.Author)
		if err != nil {
			return "", false, fmt.Errorf("title lookup failed: %w", err)
		}
		if book != nil {
			return book.ID, true, nil
		}
	}

	r.log.Debug("Item reference did not match any catalog book", map[string]interface{}{
		"external_id": ref.ExternalID,
		"title":       ref.Title,
	})
	return "", false, nil
}

// enrich fills in metadata for a bare reference from the playback service,
// going through the TTL cache so repeated sessions for the same item cost
// one request
func (r *Resolver) enrich(ctx context.Context, ref playback.ItemRef) (playback.ItemRef, error) {
	if detail, ok := r.details.Get(ref.ExternalID); ok {
		if detail == nil {
			// Negative entry for an item the service does not know
			return ref, nil
		}
		return refFromDetail(ref, detail), nil
	}

	detail, err := r.fetcher.GetItemDetail(ctx, ref.ExternalID)
	if err != nil {
		return ref, fmt.Errorf("failed to enrich item reference: %w", err)
	}
	if detail == nil {
		r.details.Set(ref.ExternalID, nil, detailCacheTTL)
		return ref, nil
	}

	r.details.Set(ref.ExternalID, detail, detailCacheTTL)
	return refFromDetail(ref, detail), nil
}

func refFromDetail(ref playback.ItemRef, detail *playback.ItemDetail) playback.ItemRef {
	ref.Title = detail.Title
	ref.Author = detail.Author
	ref.ISBN13 = detail.ISBN13
	ref.ISBN10 = detail.ISBN10
	return ref
}
