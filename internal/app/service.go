package app

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/IsakPar/arqivo-sub000/internal/cache"
	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/tenant"
)

// Pinger reports backend connectivity for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service ties the graph engine, tenant resolution and the optional listing
// cache together. Every method takes the tenant id explicitly; nothing here
// holds per-request state.
type Service struct {
	engine    *graph.Engine
	resolver  *tenant.Resolver
	directory tenant.Directory
	cache     *cache.ChildrenCache
	pinger    Pinger
}

func NewService(engine *graph.Engine, resolver *tenant.Resolver, directory tenant.Directory, listingCache *cache.ChildrenCache, pinger Pinger) *Service {
	return &Service{
		engine:    engine,
		resolver:  resolver,
		directory: directory,
		cache:     listingCache,
		pinger:    pinger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger.Ping(ctx)
}

// ResolveTenant maps a presented API key to a tenant id.
func (s *Service) ResolveTenant(ctx context.Context, apiKey string) (uuid.UUID, error) {
	return s.resolver.Resolve(ctx, apiKey)
}

// ProvisionTenant creates a tenant and returns it with its one-time key.
func (s *Service) ProvisionTenant(ctx context.Context, name string) (tenant.Tenant, string, error) {
	if _, err := s.directory.TenantByName(ctx, name); err == nil {
		return tenant.Tenant{}, "", domainError(http.StatusConflict, "CONFLICT", "Tenant already exists", nil)
	}
	return tenant.Provision(ctx, s.directory, name)
}

func (s *Service) CreateLabel(ctx context.Context, tenantID uuid.UUID, name graph.Cipher, slugToken string) (uuid.UUID, error) {
	id, err := s.engine.CreateLabel(ctx, tenantID, name, slugToken)
	if err != nil {
		return uuid.Nil, err
	}
	s.invalidate(ctx, tenantID, graph.Root)
	return id, nil
}

func (s *Service) RenameLabel(ctx context.Context, tenantID, id uuid.UUID, name *graph.Cipher, slugToken *string) error {
	parents, _ := s.engine.Parents(ctx, tenantID, id)
	if err := s.engine.RenameLabel(ctx, tenantID, id, name, slugToken); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID, append(parents, graph.Root)...)
	return nil
}

func (s *Service) DeleteLabel(ctx context.Context, tenantID, id uuid.UUID, cascade bool) error {
	parents, _ := s.engine.Parents(ctx, tenantID, id)
	if err := s.engine.DeleteLabel(ctx, tenantID, id, cascade); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID, append(parents, id, graph.Root)...)
	return nil
}

func (s *Service) AddEdge(ctx context.Context, tenantID, parent, child uuid.UUID) error {
	if err := s.engine.AddEdge(ctx, tenantID, parent, child); err != nil {
		return err
	}
	// The child may have left the root set.
	s.invalidate(ctx, tenantID, parent, graph.Root)
	return nil
}

func (s *Service) RemoveEdge(ctx context.Context, tenantID, parent, child uuid.UUID) error {
	if err := s.engine.RemoveEdge(ctx, tenantID, parent, child); err != nil {
		return err
	}
	// The child may have become a root.
	s.invalidate(ctx, tenantID, parent, graph.Root)
	return nil
}

func (s *Service) Move(ctx context.Context, tenantID, id uuid.UUID, from []uuid.UUID, to uuid.UUID) error {
	if err := s.engine.Move(ctx, tenantID, id, from, to); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID, append(append([]uuid.UUID{}, from...), to, graph.Root)...)
	return nil
}

// Children lists direct children with a cache read-through. A hit skips the
// store entirely; a miss populates the cache after the read.
func (s *Service) Children(ctx context.Context, tenantID, id, after uuid.UUID, limit int) ([]graph.Label, error) {
	if s.cache != nil {
		if labels, hit := s.cache.Get(ctx, tenantID, id, after, limit); hit {
			return labels, nil
		}
	}
	labels, err := s.engine.Children(ctx, tenantID, id, after, limit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, tenantID, id, after, limit, labels)
	}
	return labels, nil
}

func (s *Service) Ancestors(ctx context.Context, tenantID, id uuid.UUID) ([]uuid.UUID, error) {
	return s.engine.Ancestors(ctx, tenantID, id)
}

func (s *Service) Parents(ctx context.Context, tenantID, id uuid.UUID) ([]uuid.UUID, error) {
	return s.engine.Parents(ctx, tenantID, id)
}

func (s *Service) Descendants(ctx context.Context, tenantID, id, after uuid.UUID, limit int) ([]graph.Label, error) {
	return s.engine.Descendants(ctx, tenantID, id, after, limit)
}

func (s *Service) Attach(ctx context.Context, tenantID, fileID, labelID uuid.UUID) error {
	return s.engine.Attach(ctx, tenantID, fileID, labelID)
}

func (s *Service) Detach(ctx context.Context, tenantID, fileID, labelID uuid.UUID) error {
	return s.engine.Detach(ctx, tenantID, fileID, labelID)
}

func (s *Service) FileLabels(ctx context.Context, tenantID, fileID uuid.UUID) ([]uuid.UUID, error) {
	return s.engine.FileLabels(ctx, tenantID, fileID)
}

func (s *Service) LabelFiles(ctx context.Context, tenantID, labelID, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	return s.engine.LabelFiles(ctx, tenantID, labelID, after, limit)
}

func (s *Service) invalidate(ctx context.Context, tenantID uuid.UUID, nodes ...uuid.UUID) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, tenantID, nodes...)
}
