package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/tenant"
)

// MemoryStore implements graph.Store and the tenant directory over plain
// maps. It backs unit tests and local runs without DATABASE_URL; semantics
// match the Postgres store, including rollback on a failed transaction.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantGraph
	byKeyID map[string]tenant.Tenant
	byName  map[string]tenant.Tenant
}

type pair struct {
	a uuid.UUID
	b uuid.UUID
}

type tenantGraph struct {
	labels      map[uuid.UUID]graph.Label
	children    map[uuid.UUID]map[uuid.UUID]struct{}
	parents     map[uuid.UUID]map[uuid.UUID]struct{}
	closure     map[pair]int
	labelsFor   map[uuid.UUID]map[uuid.UUID]struct{} // file -> labels
	filesFor    map[uuid.UUID]map[uuid.UUID]struct{} // label -> files
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[uuid.UUID]*tenantGraph),
		byKeyID: make(map[string]tenant.Tenant),
		byName:  make(map[string]tenant.Tenant),
	}
}

func newTenantGraph() *tenantGraph {
	return &tenantGraph{
		labels:    make(map[uuid.UUID]graph.Label),
		children:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		parents:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		closure:   make(map[pair]int),
		labelsFor: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		filesFor:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (g *tenantGraph) clone() *tenantGraph {
	c := newTenantGraph()
	for id, label := range g.labels {
		c.labels[id] = label
	}
	for k, set := range g.children {
		c.children[k] = cloneSet(set)
	}
	for k, set := range g.parents {
		c.parents[k] = cloneSet(set)
	}
	for k, depth := range g.closure {
		c.closure[k] = depth
	}
	for k, set := range g.labelsFor {
		c.labelsFor[k] = cloneSet(set)
	}
	for k, set := range g.filesFor {
		c.filesFor[k] = cloneSet(set)
	}
	return c
}

func cloneSet(set map[uuid.UUID]struct{}) map[uuid.UUID]struct{} {
	c := make(map[uuid.UUID]struct{}, len(set))
	for k := range set {
		c[k] = struct{}{}
	}
	return c
}

func (s *MemoryStore) graphFor(tenantID uuid.UUID) *tenantGraph {
	g, ok := s.tenants[tenantID]
	if !ok {
		g = newTenantGraph()
		s.tenants[tenantID] = g
	}
	return g
}

// Update serializes mutations with the store mutex and restores a snapshot
// of the tenant's graph if fn fails, so a failed transaction leaves no
// trace.
func (s *MemoryStore) Update(ctx context.Context, tenantID uuid.UUID, fn func(tx graph.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graphFor(tenantID)
	snapshot := g.clone()
	if err := fn(&memTx{g: g}); err != nil {
		s.tenants[tenantID] = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, tenantID uuid.UUID, fn func(tx graph.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{g: s.graphFor(tenantID)})
}

// CreateTenant registers a tenant in the in-memory directory.
func (s *MemoryStore) CreateTenant(ctx context.Context, t tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.byKeyID[t.KeyID] = t
	s.byName[t.Name] = t
	return nil
}

func (s *MemoryStore) TenantByKeyID(ctx context.Context, keyID string) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKeyID[keyID]
	if !ok {
		return tenant.Tenant{}, tenant.ErrUnknownKey
	}
	return t, nil
}

func (s *MemoryStore) TenantByName(ctx context.Context, name string) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byName[name]
	if !ok {
		return tenant.Tenant{}, tenant.ErrUnknownKey
	}
	return t, nil
}

// Ping is trivially healthy for the in-memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

type memTx struct {
	g *tenantGraph
}

func (t *memTx) InsertLabel(label graph.Label) error {
	t.g.labels[label.ID] = label
	return nil
}

func (t *memTx) GetLabel(id uuid.UUID) (graph.Label, error) {
	label, ok := t.g.labels[id]
	if !ok {
		return graph.Label{}, graph.ErrNotFound
	}
	return label, nil
}

func (t *memTx) UpdateLabel(id uuid.UUID, name *graph.Cipher, slugToken *string) error {
	label, ok := t.g.labels[id]
	if !ok {
		return graph.ErrNotFound
	}
	if name != nil {
		label.Name = *name
	}
	if slugToken != nil {
		label.SlugToken = *slugToken
	}
	t.g.labels[id] = label
	return nil
}

func (t *memTx) DeleteLabels(ids []uuid.UUID) error {
	for _, id := range ids {
		delete(t.g.labels, id)
	}
	return nil
}

func (t *memTx) InsertEdge(parent, child uuid.UUID) error {
	addToSet(t.g.children, parent, child)
	addToSet(t.g.parents, child, parent)
	return nil
}

func (t *memTx) DeleteEdge(parent, child uuid.UUID) (bool, error) {
	if _, ok := t.g.children[parent][child]; !ok {
		return false, nil
	}
	delete(t.g.children[parent], child)
	delete(t.g.parents[child], parent)
	return true, nil
}

func (t *memTx) DeleteEdgesTouching(ids []uuid.UUID) error {
	for _, id := range ids {
		for child := range t.g.children[id] {
			delete(t.g.parents[child], id)
		}
		delete(t.g.children, id)
		for parent := range t.g.parents[id] {
			delete(t.g.children[parent], id)
		}
		delete(t.g.parents, id)
	}
	return nil
}

func (t *memTx) HasEdge(parent, child uuid.UUID) (bool, error) {
	_, ok := t.g.children[parent][child]
	return ok, nil
}

func (t *memTx) HasChildren(parent uuid.UUID) (bool, error) {
	return len(t.g.children[parent]) > 0, nil
}

func (t *memTx) Parents(child uuid.UUID) ([]uuid.UUID, error) {
	return sortedIDs(t.g.parents[child]), nil
}

func (t *memTx) ChildSlugExists(parent uuid.UUID, slugToken string, excluding uuid.UUID) (bool, error) {
	for child := range t.g.children[parent] {
		if child == excluding {
			continue
		}
		if t.g.labels[child].SlugToken == slugToken {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) RootSlugExists(slugToken string, excluding uuid.UUID) (bool, error) {
	for id, label := range t.g.labels {
		if id == excluding || label.SlugToken != slugToken {
			continue
		}
		if len(t.g.parents[id]) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ClosureContains(ancestor, descendant uuid.UUID) (bool, error) {
	_, ok := t.g.closure[pair{ancestor, descendant}]
	return ok, nil
}

func (t *memTx) Ancestors(id uuid.UUID) ([]graph.ClosureEntry, error) {
	var entries []graph.ClosureEntry
	for key, depth := range t.g.closure {
		if key.b == id {
			entries = append(entries, graph.ClosureEntry{Ancestor: key.a, Descendant: id, Depth: depth})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (t *memTx) Descendants(id uuid.UUID) ([]graph.ClosureEntry, error) {
	var entries []graph.ClosureEntry
	for key, depth := range t.g.closure {
		if key.a == id {
			entries = append(entries, graph.ClosureEntry{Ancestor: id, Descendant: key.b, Depth: depth})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (t *memTx) UpsertClosure(entries []graph.ClosureEntry) error {
	for _, entry := range entries {
		key := pair{entry.Ancestor, entry.Descendant}
		if existing, ok := t.g.closure[key]; !ok || entry.Depth < existing {
			t.g.closure[key] = entry.Depth
		}
	}
	return nil
}

func (t *memTx) DeleteClosureBelow(ids []uuid.UUID) error {
	member := idSet(ids)
	for key, depth := range t.g.closure {
		if depth > 0 {
			if _, ok := member[key.b]; ok {
				delete(t.g.closure, key)
			}
		}
	}
	return nil
}

func (t *memTx) DeleteClosureTouching(ids []uuid.UUID) error {
	member := idSet(ids)
	for key := range t.g.closure {
		_, a := member[key.a]
		_, b := member[key.b]
		if a || b {
			delete(t.g.closure, key)
		}
	}
	return nil
}

func (t *memTx) ChildrenPage(parent, after uuid.UUID, limit int) ([]graph.Label, error) {
	return t.page(sortedIDs(t.g.children[parent]), after, limit), nil
}

func (t *memTx) RootsPage(after uuid.UUID, limit int) ([]graph.Label, error) {
	roots := make(map[uuid.UUID]struct{})
	for id := range t.g.labels {
		if len(t.g.parents[id]) == 0 {
			roots[id] = struct{}{}
		}
	}
	return t.page(sortedIDs(roots), after, limit), nil
}

func (t *memTx) DescendantsPage(ancestor, after uuid.UUID, limit int) ([]graph.Label, error) {
	descendants := make(map[uuid.UUID]struct{})
	for key, depth := range t.g.closure {
		if key.a == ancestor && depth > 0 {
			descendants[key.b] = struct{}{}
		}
	}
	return t.page(sortedIDs(descendants), after, limit), nil
}

func (t *memTx) page(ordered []uuid.UUID, after uuid.UUID, limit int) []graph.Label {
	items := make([]graph.Label, 0, limit)
	for _, id := range ordered {
		if after != graph.Root && !graph.Less(after, id) {
			continue
		}
		items = append(items, t.g.labels[id])
		if len(items) == limit {
			break
		}
	}
	return items
}

func (t *memTx) InsertAttachment(fileID, labelID uuid.UUID) error {
	addToSet(t.g.labelsFor, fileID, labelID)
	addToSet(t.g.filesFor, labelID, fileID)
	return nil
}

func (t *memTx) DeleteAttachment(fileID, labelID uuid.UUID) error {
	delete(t.g.labelsFor[fileID], labelID)
	delete(t.g.filesFor[labelID], fileID)
	return nil
}

func (t *memTx) DeleteAttachmentsFor(labelIDs []uuid.UUID) error {
	for _, labelID := range labelIDs {
		for fileID := range t.g.filesFor[labelID] {
			delete(t.g.labelsFor[fileID], labelID)
		}
		delete(t.g.filesFor, labelID)
	}
	return nil
}

func (t *memTx) HasAttachments(labelID uuid.UUID) (bool, error) {
	return len(t.g.filesFor[labelID]) > 0, nil
}

func (t *memTx) FileLabels(fileID uuid.UUID) ([]uuid.UUID, error) {
	return sortedIDs(t.g.labelsFor[fileID]), nil
}

func (t *memTx) LabelFiles(labelID, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ordered := sortedIDs(t.g.filesFor[labelID])
	ids := make([]uuid.UUID, 0, limit)
	for _, id := range ordered {
		if after != graph.Root && !graph.Less(after, id) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func addToSet(sets map[uuid.UUID]map[uuid.UUID]struct{}, key, member uuid.UUID) {
	set, ok := sets[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		sets[key] = set
	}
	set[member] = struct{}{}
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return graph.Less(ids[i], ids[j]) })
	return ids
}

func sortEntries(entries []graph.ClosureEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Depth != entries[j].Depth {
			return entries[i].Depth < entries[j].Depth
		}
		if entries[i].Ancestor != entries[j].Ancestor {
			return graph.Less(entries[i].Ancestor, entries[j].Ancestor)
		}
		return graph.Less(entries[i].Descendant, entries[j].Descendant)
	})
}
