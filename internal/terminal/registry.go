package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dockyard/internal/domain"
	"dockyard/internal/repo"
)

// Registry keeps the terminal roster in the database in sync with what the
// terminals themselves report on /discover.
type Registry struct {
	Repo   repo.Repo
	Client *Client
	Now    func() time.Time
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Register discovers the terminal behind endpoint and upserts it together
// with its activity templates. Registration is idempotent on (name, version).
func (g Registry) Register(ctx context.Context, endpoint, secret string) (domain.Terminal, []domain.ActivityTemplate, error) {
	disc, err := g.Client.Discover(ctx, endpoint)
	if err != nil {
		return domain.Terminal{}, nil, fmt.Errorf("discover terminal: %w", err)
	}
	version := disc.Definition.Version
	if version == "" {
		version = "1"
	}
	now := g.now().UTC().Format(time.RFC3339)

	t, err := g.Repo.GetTerminalByName(ctx, disc.Definition.Name, version)
	if errors.Is(err, repo.ErrNotFound) {
		t = domain.Terminal{
			ID:        uuid.NewString(),
			Name:      disc.Definition.Name,
			Version:   version,
			CreatedAt: now,
		}
	} else if err != nil {
		return domain.Terminal{}, nil, err
	}
	t.Endpoint = endpoint
	if secret != "" {
		t.Secret = secret
	}
	if t.Secret == "" {
		t.Secret = uuid.NewString()
	}
	if err := g.Repo.UpsertTerminal(ctx, nil, t); err != nil {
		return domain.Terminal{}, nil, fmt.Errorf("upsert terminal %s: %w", t.Name, err)
	}
	t, err = g.Repo.GetTerminalByName(ctx, t.Name, t.Version)
	if err != nil {
		return domain.Terminal{}, nil, err
	}

	templates := make([]domain.ActivityTemplate, 0, len(disc.Activities))
	for _, a := range disc.Activities {
		tplVersion := a.Version
		if tplVersion == "" {
			tplVersion = "1"
		}
		tpl := domain.ActivityTemplate{
			ID:                  uuid.NewString(),
			TerminalID:          t.ID,
			Name:                a.Name,
			Version:             tplVersion,
			Category:            a.Category,
			NeedsAuthentication: a.NeedsAuthentication,
		}
		if err := g.Repo.UpsertActivityTemplate(ctx, nil, tpl); err != nil {
			return domain.Terminal{}, nil, fmt.Errorf("upsert template %s: %w", a.Name, err)
		}
		templates = append(templates, tpl)
	}
	return t, templates, nil
}

// SyncConfigured registers every terminal named in the static config,
// skipping endpoints that do not answer so one dead terminal cannot block
// startup.
func (g Registry) SyncConfigured(ctx context.Context, terminals []ConfiguredTerminal) []error {
	var errs []error
	for _, ct := range terminals {
		if _, _, err := g.Register(ctx, ct.Endpoint, ct.Secret); err != nil {
			errs = append(errs, fmt.Errorf("terminal %s: %w", ct.Name, err))
		}
	}
	return errs
}

// ConfiguredTerminal mirrors one terminals entry of the hub config file.
type ConfiguredTerminal struct {
	Name     string
	Endpoint string
	Secret   string
}
