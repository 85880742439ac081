package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/bassista/notion_cache/internal/config"
	"github.com/bassista/notion_cache/internal/credential"
	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/notion"
	"github.com/bassista/notion_cache/internal/repository"
	"github.com/bassista/notion_cache/internal/scheduler"
	"github.com/bassista/notion_cache/internal/snapshot"
)

// App is the application container (immutable dependencies + lifecycle context).
// It is not a request context; handlers should still use gin's request context.
type App struct {
	Config    *config.Config
	Repo      repository.Repository
	Reader    *snapshot.Reader
	Refresher *snapshot.Refresher

	BaseCtx context.Context
	Cancel  context.CancelFunc
}

func New(cfg *config.Config, repo repository.Repository, reader *snapshot.Reader, refresher *snapshot.Refresher) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if repo == nil {
		return nil, errors.New("repo is nil")
	}
	if reader == nil {
		return nil, errors.New("cache reader is nil")
	}
	if refresher == nil {
		return nil, errors.New("refresher is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Config:    cfg,
		Repo:      repo,
		Reader:    reader,
		Refresher: refresher,
		BaseCtx:   ctx,
		Cancel:    cancel,
	}, nil
}

// NewFromConfig builds the repository, Notion client, reader and refresher
// described by cfg.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	repo, err := repository.NewJSONRepository(cfg.Cache.FilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot init repository: %w", err)
	}

	client := notion.NewClient(
		notion.WithBaseURL(cfg.Notion.BaseURL),
		notion.WithAPIVersion(cfg.Notion.APIVersion),
		notion.WithTimeout(cfg.Notion.RequestTimeout),
	)
	refresher := snapshot.NewRefresher(client, CredentialProvider(cfg.Notion), repo, cfg.Notion.DatabaseID,
		snapshot.WithMaxPages(cfg.Notion.MaxPages))

	return New(cfg, repo, snapshot.NewReader(repo), refresher)
}

// CredentialProvider picks the token sources in priority order: the secret
// manager command, the configured key, then the environment variable.
func CredentialProvider(cfg config.NotionConfig) credential.Provider {
	var chain credential.Chain
	if cmd := credential.NewCommand(cfg.SecretCommand); cmd != nil {
		chain = append(chain, cmd)
	}
	if cfg.APIKey != "" {
		chain = append(chain, credential.Static(cfg.APIKey))
	}
	if cfg.APIKeyEnv != "" {
		chain = append(chain, credential.Env{Key: cfg.APIKeyEnv})
	}
	return chain
}

func (a *App) Shutdown() {
	if a == nil || a.Cancel == nil {
		return
	}
	a.Cancel()
}

// StartWatchers starts the cache file watcher and the periodic refresh when
// they are enabled.
func (a *App) StartWatchers() error {
	if a.Config.Cache.Watch {
		if err := a.Repo.StartWatcher(a.BaseCtx, a.onCacheChange); err != nil {
			return fmt.Errorf("cannot start cache file watcher: %w", err)
		}
	}

	if a.Config.Notion.RefreshEvery > 0 {
		scheduler.NewRefreshScheduler(a.Refresher, a.Config.Notion.RefreshEvery, a.Config.Server.RefreshTimeout).Start(a.BaseCtx)
	}
	return nil
}

func (a *App) onCacheChange() {
	snap := a.Reader.ReadCache(a.BaseCtx)
	logger.WithComponent("app").Infof("cache file %s changed by another process, now holds %d records", a.Config.Cache.FilePath, snap.Len())
}
