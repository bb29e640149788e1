package graph

import (
	"context"

	"github.com/google/uuid"
)

// Store provides tenant-scoped transactional access to the label graph.
// Every operation inside a transaction sees and touches exactly one tenant;
// implementations must make the tenant predicate impossible to omit, which
// is why it is a parameter here and not on each Tx method.
type Store interface {
	// Update runs fn inside a mutation transaction. If fn returns an error
	// the transaction rolls back and no partial state is observable.
	// Implementations surface unresolvable write conflicts as ErrConflict.
	Update(ctx context.Context, tenant uuid.UUID, fn func(tx Tx) error) error

	// View runs fn with snapshot-read access.
	View(ctx context.Context, tenant uuid.UUID, fn func(tx Tx) error) error
}

// Tx is the primitive operation set the engine's algorithms are written
// against. Postgres implements it in SQL; the in-memory store over maps.
type Tx interface {
	InsertLabel(label Label) error
	GetLabel(id uuid.UUID) (Label, error)
	UpdateLabel(id uuid.UUID, name *Cipher, slugToken *string) error
	DeleteLabels(ids []uuid.UUID) error

	InsertEdge(parent, child uuid.UUID) error
	DeleteEdge(parent, child uuid.UUID) (bool, error)
	DeleteEdgesTouching(ids []uuid.UUID) error
	HasEdge(parent, child uuid.UUID) (bool, error)
	HasChildren(parent uuid.UUID) (bool, error)
	Parents(child uuid.UUID) ([]uuid.UUID, error)

	// ChildSlugExists reports whether a direct child of parent other than
	// excluding carries the slug token. RootSlugExists is the same check
	// among parentless labels.
	ChildSlugExists(parent uuid.UUID, slugToken string, excluding uuid.UUID) (bool, error)
	RootSlugExists(slugToken string, excluding uuid.UUID) (bool, error)

	ClosureContains(ancestor, descendant uuid.UUID) (bool, error)
	// Ancestors and Descendants return closure entries including the
	// depth-zero self entry, ordered by depth ascending.
	Ancestors(id uuid.UUID) ([]ClosureEntry, error)
	Descendants(id uuid.UUID) ([]ClosureEntry, error)
	// UpsertClosure inserts entries, keeping the minimum depth for pairs
	// that already exist via another path.
	UpsertClosure(entries []ClosureEntry) error
	// DeleteClosureBelow removes all non-self entries whose descendant is
	// in ids; DeleteClosureTouching removes every entry with either
	// endpoint in ids, self entries included.
	DeleteClosureBelow(ids []uuid.UUID) error
	DeleteClosureTouching(ids []uuid.UUID) error

	// Keyset-paginated listings ordered by id ascending; after is
	// exclusive, Root meaning "from the beginning".
	ChildrenPage(parent, after uuid.UUID, limit int) ([]Label, error)
	RootsPage(after uuid.UUID, limit int) ([]Label, error)
	DescendantsPage(ancestor, after uuid.UUID, limit int) ([]Label, error)

	InsertAttachment(fileID, labelID uuid.UUID) error
	DeleteAttachment(fileID, labelID uuid.UUID) error
	DeleteAttachmentsFor(labelIDs []uuid.UUID) error
	HasAttachments(labelID uuid.UUID) (bool, error)
	FileLabels(fileID uuid.UUID) ([]uuid.UUID, error)
	LabelFiles(labelID, after uuid.UUID, limit int) ([]uuid.UUID, error)
}
