package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bassista/notion_cache/internal/credential"
	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/notion"
	"github.com/bassista/notion_cache/internal/repository"
)

// PageQuerier fetches one page of a database query. *notion.Client implements it.
type PageQuerier interface {
	QueryDatabase(ctx context.Context, databaseID, token, cursor string) (*notion.QueryResponse, error)
}

// Refresher rebuilds the cache from a full traversal of the upstream database.
type Refresher struct {
	querier    PageQuerier
	creds      credential.Provider
	saver      repository.Saver
	databaseID string
	maxPages   int

	// sem serializes "fetch every page, then save" per refresher. A channel
	// lets a waiting caller give up when its context ends.
	sem chan struct{}
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithMaxPages bounds the number of page requests per refresh. Zero or a
// negative value disables the bound.
func WithMaxPages(n int) RefresherOption {
	return func(r *Refresher) {
		r.maxPages = n
	}
}

func NewRefresher(querier PageQuerier, creds credential.Provider, saver repository.Saver, databaseID string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		querier:    querier,
		creds:      creds,
		saver:      saver,
		databaseID: strings.TrimSpace(databaseID),
		sem:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh pages through the whole database, saves the result as the new cache
// and returns it. Nothing is saved unless every page was fetched. A failed
// save fails the call.
func (r *Refresher) Refresh(ctx context.Context) (repository.Snapshot, error) {
	log := logger.WithComponent("refresher")

	token, err := r.credentials(ctx)
	if err != nil {
		log.Errorf("refresh aborted: %v", err)
		return nil, err
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		err := fmt.Errorf("%w: waiting for a running refresh: %w", ErrUpstream, ctx.Err())
		log.Errorf("refresh aborted: %v", err)
		return nil, err
	}
	defer func() { <-r.sem }()

	records, err := r.fetchAll(ctx, token)
	if err != nil {
		log.Errorf("refresh aborted: %v", err)
		return nil, err
	}

	if err := r.saver.Save(ctx, records); err != nil {
		log.Errorf("failed to write cache file: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	log.Infof("saved %d records to cache", len(records))

	return records, nil
}

func (r *Refresher) credentials(ctx context.Context) (string, error) {
	if r.databaseID == "" {
		return "", fmt.Errorf("%w: database id is empty", ErrConfiguration)
	}
	if r.creds == nil {
		return "", fmt.Errorf("%w: no credential provider", ErrConfiguration)
	}
	token, err := r.creds.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: api key is empty", ErrConfiguration)
	}
	return token, nil
}

func (r *Refresher) fetchAll(ctx context.Context, token string) (repository.Snapshot, error) {
	log := logger.WithComponent("refresher")

	records := repository.EmptySnapshot()
	cursor := ""
	for page := 1; ; page++ {
		if r.maxPages > 0 && page > r.maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrPaginationLimit, r.maxPages)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		log.Debugf("requesting page %d (cursor=%q)", page, cursor)
		resp, err := r.querier.QueryDatabase(ctx, r.databaseID, token, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrUpstream, page, err)
		}

		records = append(records, resp.Results...)
		log.Debugf("received %d results on page %d (has_more=%t)", len(resp.Results), page, resp.HasMore)

		if !resp.HasMore {
			return records, nil
		}
		next := resp.Cursor()
		if next == "" {
			return nil, fmt.Errorf("%w: page %d reported has_more without next_cursor", ErrUpstream, page)
		}
		cursor = next
	}
}
