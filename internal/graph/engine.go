package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Engine implements the graph mutations and queries over a Store. The
// closure-maintenance algorithms live here rather than in stored procedures
// so both storage backends share one implementation; atomicity comes from
// running each mutation inside a single store transaction.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// CreateLabel allocates an id, inserts the label and its depth-zero self
// closure entry. Root-level slug uniqueness is enforced here; sibling
// uniqueness under a parent is enforced when an edge is attached.
func (e *Engine) CreateLabel(ctx context.Context, tenant uuid.UUID, name Cipher, slugToken string) (uuid.UUID, error) {
	if len(name.Data) == 0 || len(name.Nonce) == 0 {
		return uuid.Nil, fmt.Errorf("name ciphertext and nonce are required: %w", ErrInvalidInput)
	}
	if len(slugToken) != SlugTokenLength {
		return uuid.Nil, fmt.Errorf("slug token must be %d characters: %w", SlugTokenLength, ErrInvalidInput)
	}
	id := uuid.New()
	err := e.store.Update(ctx, tenant, func(tx Tx) error {
		exists, err := tx.RootSlugExists(slugToken, uuid.Nil)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateSlug
		}
		if err := tx.InsertLabel(Label{ID: id, Name: name, SlugToken: slugToken}); err != nil {
			return err
		}
		return tx.UpsertClosure([]ClosureEntry{{Ancestor: id, Descendant: id, Depth: 0}})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// RenameLabel updates the encrypted name and/or slug token in place. Edges
// and closure are untouched. A slug change is re-checked against the label's
// current parents, or the root set if it has none.
func (e *Engine) RenameLabel(ctx context.Context, tenant, id uuid.UUID, name *Cipher, slugToken *string) error {
	if name == nil && slugToken == nil {
		return fmt.Errorf("nothing to update: %w", ErrInvalidInput)
	}
	if name != nil && (len(name.Data) == 0 || len(name.Nonce) == 0) {
		return fmt.Errorf("name ciphertext and nonce are required: %w", ErrInvalidInput)
	}
	if slugToken != nil && len(*slugToken) != SlugTokenLength {
		return fmt.Errorf("slug token must be %d characters: %w", SlugTokenLength, ErrInvalidInput)
	}
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		current, err := tx.GetLabel(id)
		if err != nil {
			return err
		}
		if slugToken != nil && *slugToken != current.SlugToken {
			parents, err := tx.Parents(id)
			if err != nil {
				return err
			}
			if len(parents) == 0 {
				exists, err := tx.RootSlugExists(*slugToken, id)
				if err != nil {
					return err
				}
				if exists {
					return ErrDuplicateSlug
				}
			}
			for _, parent := range parents {
				exists, err := tx.ChildSlugExists(parent, *slugToken, id)
				if err != nil {
					return err
				}
				if exists {
					return ErrDuplicateSlug
				}
			}
		}
		return tx.UpdateLabel(id, name, slugToken)
	})
}

// DeleteLabel removes a label. Without cascade the label must have no
// children and no attachments. With cascade every descendant is removed,
// multi-parented ones included, along with their edges, closure entries,
// and attachments.
func (e *Engine) DeleteLabel(ctx context.Context, tenant, id uuid.UUID, cascade bool) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		if _, err := tx.GetLabel(id); err != nil {
			return err
		}
		removed := []uuid.UUID{id}
		if cascade {
			descendants, err := tx.Descendants(id)
			if err != nil {
				return err
			}
			removed = removed[:0]
			for _, entry := range descendants {
				removed = append(removed, entry.Descendant)
			}
		} else {
			hasChildren, err := tx.HasChildren(id)
			if err != nil {
				return err
			}
			if hasChildren {
				return fmt.Errorf("label has children: %w", ErrConflict)
			}
			hasAttachments, err := tx.HasAttachments(id)
			if err != nil {
				return err
			}
			if hasAttachments {
				return fmt.Errorf("label has attachments: %w", ErrConflict)
			}
		}
		if err := tx.DeleteAttachmentsFor(removed); err != nil {
			return err
		}
		if err := tx.DeleteEdgesTouching(removed); err != nil {
			return err
		}
		// Any closure path through the removed set terminates inside it,
		// so rows with either endpoint removed are exactly the stale set.
		if err := tx.DeleteClosureTouching(removed); err != nil {
			return err
		}
		return tx.DeleteLabels(removed)
	})
}

// AddEdge inserts the direct edge (parent, child) and extends the closure
// with the ancestor x descendant cross product. Adding an existing edge is
// a no-op.
func (e *Engine) AddEdge(ctx context.Context, tenant, parent, child uuid.UUID) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		return addEdge(tx, parent, child)
	})
}

// RemoveEdge deletes the direct edge (parent, child) and rebuilds the
// closure rows of the affected descendant set. Removing an absent edge is a
// no-op.
func (e *Engine) RemoveEdge(ctx context.Context, tenant, parent, child uuid.UUID) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		return removeEdge(tx, parent, child)
	})
}

// Move re-parents a label in one transaction: every (from, id) edge is
// removed, then (to, id) is added, so no observer sees the label detached
// or the closure mid-flight. A cycle rolls the whole move back.
func (e *Engine) Move(ctx context.Context, tenant, id uuid.UUID, from []uuid.UUID, to uuid.UUID) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		seen := make(map[uuid.UUID]struct{}, len(from))
		for _, oldParent := range from {
			if _, dup := seen[oldParent]; dup {
				continue
			}
			seen[oldParent] = struct{}{}
			if err := removeEdge(tx, oldParent, id); err != nil {
				return err
			}
		}
		return addEdge(tx, to, id)
	})
}

func addEdge(tx Tx, parent, child uuid.UUID) error {
	if parent == child {
		return fmt.Errorf("self edge: %w", ErrCycle)
	}
	if _, err := tx.GetLabel(parent); err != nil {
		return err
	}
	childLabel, err := tx.GetLabel(child)
	if err != nil {
		return err
	}
	reachable, err := tx.ClosureContains(child, parent)
	if err != nil {
		return err
	}
	if reachable {
		return ErrCycle
	}
	present, err := tx.HasEdge(parent, child)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	duplicate, err := tx.ChildSlugExists(parent, childLabel.SlugToken, child)
	if err != nil {
		return err
	}
	if duplicate {
		return ErrDuplicateSlug
	}
	if err := tx.InsertEdge(parent, child); err != nil {
		return err
	}
	ancestors, err := tx.Ancestors(parent)
	if err != nil {
		return err
	}
	descendants, err := tx.Descendants(child)
	if err != nil {
		return err
	}
	entries := make([]ClosureEntry, 0, len(ancestors)*len(descendants))
	for _, a := range ancestors {
		for _, d := range descendants {
			entries = append(entries, ClosureEntry{
				Ancestor:   a.Ancestor,
				Descendant: d.Descendant,
				Depth:      a.Depth + d.Depth + 1,
			})
		}
	}
	return tx.UpsertClosure(entries)
}

func removeEdge(tx Tx, parent, child uuid.UUID) error {
	deleted, err := tx.DeleteEdge(parent, child)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	// The stale closure still covers every formerly-affected pair, so the
	// descendant set read here is a superset of what needs rebuilding.
	descendants, err := tx.Descendants(child)
	if err != nil {
		return err
	}
	affected := make([]uuid.UUID, 0, len(descendants))
	for _, entry := range descendants {
		affected = append(affected, entry.Descendant)
	}
	if err := tx.DeleteClosureBelow(affected); err != nil {
		return err
	}
	for _, node := range affected {
		entries, err := ancestorsByWalk(tx, node)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := tx.UpsertClosure(entries); err != nil {
				return err
			}
		}
	}
	return nil
}

// ancestorsByWalk re-derives the non-self closure rows for node by breadth-
// first search over the surviving edge relation. Uniform edge weight makes
// the first visit the minimum depth.
func ancestorsByWalk(tx Tx, node uuid.UUID) ([]ClosureEntry, error) {
	depths := map[uuid.UUID]int{node: 0}
	queue := []uuid.UUID{node}
	var entries []ClosureEntry
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		parents, err := tx.Parents(current)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if _, visited := depths[parent]; visited {
				continue
			}
			depths[parent] = depths[current] + 1
			entries = append(entries, ClosureEntry{Ancestor: parent, Descendant: node, Depth: depths[parent]})
			queue = append(queue, parent)
		}
	}
	return entries, nil
}

// Children lists the direct children of id, keyset-paginated. Root is
// special-cased to list labels with no parent edge at all.
func (e *Engine) Children(ctx context.Context, tenant, id, after uuid.UUID, limit int) ([]Label, error) {
	var items []Label
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		var err error
		if id == Root {
			items, err = tx.RootsPage(after, limit)
		} else {
			items, err = tx.ChildrenPage(id, after, limit)
		}
		return err
	})
	return items, err
}

// Ancestors lists every ancestor of id ordered nearest-first.
func (e *Engine) Ancestors(ctx context.Context, tenant, id uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		entries, err := tx.Ancestors(id)
		if err != nil {
			return err
		}
		ids = make([]uuid.UUID, 0, len(entries))
		for _, entry := range entries {
			if entry.Depth == 0 {
				continue
			}
			ids = append(ids, entry.Ancestor)
		}
		return nil
	})
	return ids, err
}

// Parents lists the direct parents of id from the edge relation.
func (e *Engine) Parents(ctx context.Context, tenant, id uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		var err error
		ids, err = tx.Parents(id)
		return err
	})
	return ids, err
}

// Descendants lists every label reachable from id, keyset-paginated.
func (e *Engine) Descendants(ctx context.Context, tenant, id, after uuid.UUID, limit int) ([]Label, error) {
	var items []Label
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		var err error
		items, err = tx.DescendantsPage(id, after, limit)
		return err
	})
	return items, err
}

// Attach links a file to a label. Idempotent.
func (e *Engine) Attach(ctx context.Context, tenant, fileID, labelID uuid.UUID) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		if _, err := tx.GetLabel(labelID); err != nil {
			return err
		}
		return tx.InsertAttachment(fileID, labelID)
	})
}

// Detach unlinks a file from a label. Detaching an absent pair is a no-op.
func (e *Engine) Detach(ctx context.Context, tenant, fileID, labelID uuid.UUID) error {
	return e.store.Update(ctx, tenant, func(tx Tx) error {
		return tx.DeleteAttachment(fileID, labelID)
	})
}

// FileLabels lists the labels a file is attached to.
func (e *Engine) FileLabels(ctx context.Context, tenant, fileID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		var err error
		ids, err = tx.FileLabels(fileID)
		return err
	})
	return ids, err
}

// LabelFiles lists the files attached to a label, keyset-paginated.
func (e *Engine) LabelFiles(ctx context.Context, tenant, labelID, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := e.store.View(ctx, tenant, func(tx Tx) error {
		var err error
		ids, err = tx.LabelFiles(labelID, after, limit)
		return err
	})
	return ids, err
}
