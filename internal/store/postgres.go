package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/IsakPar/arqivo-sub000/internal/graph"
	"github.com/IsakPar/arqivo-sub000/internal/tenant"
)

// PostgresStore implements graph.Store and the tenant directory over
// Postgres. Mutations run at SERIALIZABLE so the cycle check and the
// closure update commit atomically with respect to concurrent mutators;
// serialization failures are retried a bounded number of times and then
// surfaced as the conflict error.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const maxTxAttempts = 3

func (s *PostgresStore) Update(ctx context.Context, tenantID uuid.UUID, fn func(tx graph.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runTx(ctx, tenantID, sql.LevelSerializable, false, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("write conflict after %d attempts: %w", maxTxAttempts, errors.Join(graph.ErrConflict, lastErr))
}

func (s *PostgresStore) View(ctx context.Context, tenantID uuid.UUID, fn func(tx graph.Tx) error) error {
	return s.runTx(ctx, tenantID, sql.LevelDefault, true, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, tenantID uuid.UUID, isolation sql.IsolationLevel, readOnly bool, fn func(tx graph.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation, ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, tenant: tenantID}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type pgTx struct {
	ctx    context.Context
	tx     *sql.Tx
	tenant uuid.UUID
}

func (t *pgTx) InsertLabel(label graph.Label) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO labels (tenant_id, id, name_ciphertext, name_nonce, name_tag, slug_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.tenant, label.ID, label.Name.Data, label.Name.Nonce, nullableBytes(label.Name.Tag), label.SlugToken)
	if err != nil {
		return fmt.Errorf("insert label: %w", err)
	}
	return nil
}

func (t *pgTx) GetLabel(id uuid.UUID) (graph.Label, error) {
	label := graph.Label{ID: id}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT name_ciphertext, name_nonce, COALESCE(name_tag, ''::bytea), slug_token
		FROM labels
		WHERE tenant_id=$1 AND id=$2
	`, t.tenant, id).Scan(&label.Name.Data, &label.Name.Nonce, &label.Name.Tag, &label.SlugToken)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Label{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.Label{}, fmt.Errorf("get label: %w", err)
	}
	if len(label.Name.Tag) == 0 {
		label.Name.Tag = nil
	}
	return label, nil
}

func (t *pgTx) UpdateLabel(id uuid.UUID, name *graph.Cipher, slugToken *string) error {
	var result sql.Result
	var err error
	switch {
	case name != nil && slugToken != nil:
		result, err = t.tx.ExecContext(t.ctx, `
			UPDATE labels
			SET name_ciphertext=$3, name_nonce=$4, name_tag=$5, slug_token=$6, updated_at=NOW()
			WHERE tenant_id=$1 AND id=$2
		`, t.tenant, id, name.Data, name.Nonce, nullableBytes(name.Tag), *slugToken)
	case name != nil:
		result, err = t.tx.ExecContext(t.ctx, `
			UPDATE labels
			SET name_ciphertext=$3, name_nonce=$4, name_tag=$5, updated_at=NOW()
			WHERE tenant_id=$1 AND id=$2
		`, t.tenant, id, name.Data, name.Nonce, nullableBytes(name.Tag))
	default:
		result, err = t.tx.ExecContext(t.ctx, `
			UPDATE labels
			SET slug_token=$3, updated_at=NOW()
			WHERE tenant_id=$1 AND id=$2
		`, t.tenant, id, *slugToken)
	}
	if err != nil {
		return fmt.Errorf("update label: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update label rows: %w", err)
	}
	if affected == 0 {
		return graph.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteLabels(ids []uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM labels WHERE tenant_id=$1 AND id = ANY($2::uuid[])
	`, t.tenant, idStrings(ids))
	if err != nil {
		return fmt.Errorf("delete labels: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEdge(parent, child uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO label_edges (tenant_id, parent_id, child_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, parent_id, child_id) DO NOTHING
	`, t.tenant, parent, child)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteEdge(parent, child uuid.UUID) (bool, error) {
	result, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM label_edges WHERE tenant_id=$1 AND parent_id=$2 AND child_id=$3
	`, t.tenant, parent, child)
	if err != nil {
		return false, fmt.Errorf("delete edge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete edge rows: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) DeleteEdgesTouching(ids []uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM label_edges
		WHERE tenant_id=$1 AND (parent_id = ANY($2::uuid[]) OR child_id = ANY($2::uuid[]))
	`, t.tenant, idStrings(ids))
	if err != nil {
		return fmt.Errorf("delete edges touching: %w", err)
	}
	return nil
}

func (t *pgTx) HasEdge(parent, child uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(SELECT 1 FROM label_edges WHERE tenant_id=$1 AND parent_id=$2 AND child_id=$3)
	`, t.tenant, parent, child).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check edge: %w", err)
	}
	return exists, nil
}

func (t *pgTx) HasChildren(parent uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(SELECT 1 FROM label_edges WHERE tenant_id=$1 AND parent_id=$2)
	`, t.tenant, parent).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check children: %w", err)
	}
	return exists, nil
}

func (t *pgTx) Parents(child uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT parent_id FROM label_edges
		WHERE tenant_id=$1 AND child_id=$2
		ORDER BY parent_id ASC
	`, t.tenant, child)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}
	return scanIDs(rows, "parent")
}

func (t *pgTx) ChildSlugExists(parent uuid.UUID, slugToken string, excluding uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM label_edges e
			JOIN labels l ON l.tenant_id = e.tenant_id AND l.id = e.child_id
			WHERE e.tenant_id=$1 AND e.parent_id=$2 AND l.slug_token=$3 AND e.child_id <> $4
		)
	`, t.tenant, parent, slugToken, excluding).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check child slug: %w", err)
	}
	return exists, nil
}

func (t *pgTx) RootSlugExists(slugToken string, excluding uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(
			SELECT 1 FROM labels l
			WHERE l.tenant_id=$1 AND l.slug_token=$2 AND l.id <> $3
			  AND NOT EXISTS(
				SELECT 1 FROM label_edges e
				WHERE e.tenant_id = l.tenant_id AND e.child_id = l.id
			  )
		)
	`, t.tenant, slugToken, excluding).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check root slug: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ClosureContains(ancestor, descendant uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(
			SELECT 1 FROM label_closure
			WHERE tenant_id=$1 AND ancestor_id=$2 AND descendant_id=$3
		)
	`, t.tenant, ancestor, descendant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check closure: %w", err)
	}
	return exists, nil
}

func (t *pgTx) Ancestors(id uuid.UUID) ([]graph.ClosureEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT ancestor_id, descendant_id, depth FROM label_closure
		WHERE tenant_id=$1 AND descendant_id=$2
		ORDER BY depth ASC, ancestor_id ASC
	`, t.tenant, id)
	if err != nil {
		return nil, fmt.Errorf("list ancestors: %w", err)
	}
	return scanClosure(rows)
}

func (t *pgTx) Descendants(id uuid.UUID) ([]graph.ClosureEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT ancestor_id, descendant_id, depth FROM label_closure
		WHERE tenant_id=$1 AND ancestor_id=$2
		ORDER BY depth ASC, descendant_id ASC
	`, t.tenant, id)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	return scanClosure(rows)
}

// closureBatchSize bounds placeholder counts on the multi-row upsert.
const closureBatchSize = 500

func (t *pgTx) UpsertClosure(entries []graph.ClosureEntry) error {
	for start := 0; start < len(entries); start += closureBatchSize {
		end := start + closureBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		var query strings.Builder
		query.WriteString(`INSERT INTO label_closure (tenant_id, ancestor_id, descendant_id, depth) VALUES `)
		args := make([]any, 0, 1+len(batch)*3)
		args = append(args, t.tenant)
		for i, entry := range batch {
			if i > 0 {
				query.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&query, "($1, $%d, $%d, $%d)", base+1, base+2, base+3)
			args = append(args, entry.Ancestor, entry.Descendant, entry.Depth)
		}
		query.WriteString(`
			ON CONFLICT (tenant_id, ancestor_id, descendant_id)
			DO UPDATE SET depth = LEAST(label_closure.depth, EXCLUDED.depth)
		`)
		if _, err := t.tx.ExecContext(t.ctx, query.String(), args...); err != nil {
			return fmt.Errorf("upsert closure: %w", err)
		}
	}
	return nil
}

func (t *pgTx) DeleteClosureBelow(ids []uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM label_closure
		WHERE tenant_id=$1 AND depth > 0 AND descendant_id = ANY($2::uuid[])
	`, t.tenant, idStrings(ids))
	if err != nil {
		return fmt.Errorf("delete closure below: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteClosureTouching(ids []uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM label_closure
		WHERE tenant_id=$1 AND (ancestor_id = ANY($2::uuid[]) OR descendant_id = ANY($2::uuid[]))
	`, t.tenant, idStrings(ids))
	if err != nil {
		return fmt.Errorf("delete closure touching: %w", err)
	}
	return nil
}

const labelColumns = `l.id, l.name_ciphertext, l.name_nonce, COALESCE(l.name_tag, ''::bytea), l.slug_token`

func (t *pgTx) ChildrenPage(parent, after uuid.UUID, limit int) ([]graph.Label, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+labelColumns+`
		FROM label_closure c
		JOIN labels l ON l.tenant_id = c.tenant_id AND l.id = c.descendant_id
		WHERE c.tenant_id=$1 AND c.ancestor_id=$2 AND c.depth=1 AND c.descendant_id > $3
		ORDER BY c.descendant_id ASC
		LIMIT $4
	`, t.tenant, parent, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return scanLabels(rows)
}

func (t *pgTx) RootsPage(after uuid.UUID, limit int) ([]graph.Label, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+labelColumns+`
		FROM labels l
		WHERE l.tenant_id=$1 AND l.id > $2
		  AND NOT EXISTS(
			SELECT 1 FROM label_edges e
			WHERE e.tenant_id = l.tenant_id AND e.child_id = l.id
		  )
		ORDER BY l.id ASC
		LIMIT $3
	`, t.tenant, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	return scanLabels(rows)
}

func (t *pgTx) DescendantsPage(ancestor, after uuid.UUID, limit int) ([]graph.Label, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+labelColumns+`
		FROM label_closure c
		JOIN labels l ON l.tenant_id = c.tenant_id AND l.id = c.descendant_id
		WHERE c.tenant_id=$1 AND c.ancestor_id=$2 AND c.depth > 0 AND c.descendant_id > $3
		ORDER BY c.descendant_id ASC
		LIMIT $4
	`, t.tenant, ancestor, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list descendants page: %w", err)
	}
	return scanLabels(rows)
}

func (t *pgTx) InsertAttachment(fileID, labelID uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO file_labels (tenant_id, file_id, label_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, file_id, label_id) DO NOTHING
	`, t.tenant, fileID, labelID)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteAttachment(fileID, labelID uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM file_labels WHERE tenant_id=$1 AND file_id=$2 AND label_id=$3
	`, t.tenant, fileID, labelID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteAttachmentsFor(labelIDs []uuid.UUID) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM file_labels WHERE tenant_id=$1 AND label_id = ANY($2::uuid[])
	`, t.tenant, idStrings(labelIDs))
	if err != nil {
		return fmt.Errorf("delete attachments for labels: %w", err)
	}
	return nil
}

func (t *pgTx) HasAttachments(labelID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(SELECT 1 FROM file_labels WHERE tenant_id=$1 AND label_id=$2)
	`, t.tenant, labelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attachments: %w", err)
	}
	return exists, nil
}

func (t *pgTx) FileLabels(fileID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT label_id FROM file_labels
		WHERE tenant_id=$1 AND file_id=$2
		ORDER BY label_id ASC
	`, t.tenant, fileID)
	if err != nil {
		return nil, fmt.Errorf("list file labels: %w", err)
	}
	return scanIDs(rows, "file label")
}

func (t *pgTx) LabelFiles(labelID, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT file_id FROM file_labels
		WHERE tenant_id=$1 AND label_id=$2 AND file_id > $3
		ORDER BY file_id ASC
		LIMIT $4
	`, t.tenant, labelID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list label files: %w", err)
	}
	return scanIDs(rows, "label file")
}

// Tenant directory

func (s *PostgresStore) CreateTenant(ctx context.Context, t tenant.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, key_id, key_hash)
		VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.KeyID, t.KeyHash)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) TenantByKeyID(ctx context.Context, keyID string) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_id, key_hash, created_at FROM tenants WHERE key_id=$1
	`, keyID).Scan(&t.ID, &t.Name, &t.KeyID, &t.KeyHash, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrUnknownKey
	}
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("lookup tenant by key: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) TenantByName(ctx context.Context, name string) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_id, key_hash, created_at FROM tenants WHERE name=$1
	`, name).Scan(&t.ID, &t.Name, &t.KeyID, &t.KeyHash, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrUnknownKey
	}
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("lookup tenant by name: %w", err)
	}
	return t, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func scanIDs(rows *sql.Rows, what string) ([]uuid.UUID, error) {
	defer rows.Close()
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", what, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s ids: %w", what, err)
	}
	return ids, nil
}

func scanClosure(rows *sql.Rows) ([]graph.ClosureEntry, error) {
	defer rows.Close()
	entries := make([]graph.ClosureEntry, 0)
	for rows.Next() {
		var entry graph.ClosureEntry
		if err := rows.Scan(&entry.Ancestor, &entry.Descendant, &entry.Depth); err != nil {
			return nil, fmt.Errorf("scan closure entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closure entries: %w", err)
	}
	return entries, nil
}

func scanLabels(rows *sql.Rows) ([]graph.Label, error) {
	defer rows.Close()
	items := make([]graph.Label, 0)
	for rows.Next() {
		var item graph.Label
		if err := rows.Scan(&item.ID, &item.Name.Data, &item.Name.Nonce, &item.Name.Tag, &item.SlugToken); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		if len(item.Name.Tag) == 0 {
			item.Name.Tag = nil
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	return items, nil
}
