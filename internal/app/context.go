package app

import (
	"context"
	"errors"
	"fmt"

	"stagegate/internal/apperr"
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures an org
// exists in the DB, seeding it from config defaults if missing. It prefers
// the override slug, then the single org present in the workspace DB.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, eng engine.Engine) (domain.Organization, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return domain.Organization{}, nil, err
	}
	fromFile := cfg != nil
	slug := orgOverride
	if slug == "" && cfg != nil {
		slug = cfg.Org.Slug
	}
	if slug == "" {
		if o, err := eng.Repo.SingleOrg(ctx); err == nil {
			if cfg == nil {
				cfg = storedOrDefaultConfig(ctx, eng, o.ID, o.Slug)
			}
			return o, cfg, nil
		}
		return domain.Organization{}, nil, fmt.Errorf("org not specified; use --org or add org.slug to %s", config.Path(workspace))
	}
	if cfg == nil {
		cfg = config.Default(slug)
	}
	o, err := eng.Repo.GetOrgBySlug(ctx, slug)
	if err != nil {
		var nf apperr.NotFoundError
		if !errors.As(err, &nf) {
			return domain.Organization{}, nil, err
		}
		o, err = createOrg(ctx, eng, cfg, slug, actorID)
		if err != nil {
			return domain.Organization{}, nil, err
		}
		return o, cfg, nil
	}
	// The workspace file wins; without one, a config previously imported
	// into the DB beats the built-in default.
	if !fromFile {
		cfg = storedOrDefaultConfig(ctx, eng, o.ID, slug)
	}
	return o, cfg, nil
}

func storedOrDefaultConfig(ctx context.Context, eng engine.Engine, orgID, slug string) *config.Config {
	if raw, err := eng.Repo.GetOrgConfig(ctx, orgID); err == nil {
		if cfg, err := config.FromYAML([]byte(raw)); err == nil {
			return cfg
		}
	}
	return config.Default(slug)
}

// createOrg inserts a minimal org footprint with its ladder seeded from the
// config.
func createOrg(ctx context.Context, eng engine.Engine, cfg *config.Config, slug, actorID string) (domain.Organization, error) {
	name := cfg.Org.Name
	if name == "" {
		name = slug
	}
	if actorID == "" {
		actorID = "local-user"
	}
	eng.Config = cfg
	return eng.CreateOrg(ctx, engine.OrgCreateOptions{Name: name, Slug: slug, ActorID: actorID})
}

// ResolveProject finds the project by ID within the org, or the org's single
// project when no ID is given.
func ResolveProject(ctx context.Context, r repo.Repo, orgID, projectOverride string) (domain.Project, error) {
	if projectOverride != "" {
		p, err := r.GetProject(ctx, projectOverride)
		if err != nil {
			return domain.Project{}, err
		}
		if p.OrgID != orgID {
			return domain.Project{}, apperr.ValidationError{
				Field:    "project",
				Expected: "project in org " + orgID,
				Actual:   p.OrgID,
				Message:  "project belongs to a different org",
			}
		}
		return p, nil
	}
	projects, err := r.ListProjects(ctx, orgID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) != 1 {
		return domain.Project{}, fmt.Errorf("project not specified; use --project")
	}
	return projects[0], nil
}
