package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// updateAttempts bounds how often Update re-runs fn after Postgres aborts a
// serializable transaction.
const updateAttempts = 3

var updateTxOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// View runs fn inside a read-only repeatable-read transaction so every lookup
// of one access check sees the same snapshot.
func (s *PostgresStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit view: %w", err)
	}
	return nil
}

// Update runs fn inside a serializable transaction, so an access check and
// the write it guards commit against one snapshot. fn is re-run when Postgres
// reports a serialization failure and must not keep state across attempts.
func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.updateOnce(ctx, fn)
		if err == nil || !retryableTx(err) {
			return err
		}
		if attempt >= updateAttempts {
			return fmt.Errorf("update gave up after %d attempts: %w: %w", attempt, ErrConflict, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

func (s *PostgresStore) updateOnce(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, updateTxOptions)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const documentColumns = `id, title, initial_content, owner_id, organization_id, folder_id, tags, is_starred, created_at`

func scanDocument(row rowScanner) (Document, error) {
	var (
		item           Document
		initialContent sql.NullString
		organizationID sql.NullString
		folderID       sql.NullString
		tags           []byte
	)
	if err := row.Scan(&item.ID, &item.Title, &initialContent, &item.OwnerID, &organizationID, &folderID, &tags, &item.IsStarred, &item.CreatedAt); err != nil {
		return Document{}, err
	}
	item.InitialContent = nullString(initialContent)
	item.OrganizationID = nullString(organizationID)
	item.FolderID = nullString(folderID)
	item.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return Document{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return item, nil
}

func (t *pgTx) GetDocument(ctx context.Context, id string) (Document, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (t *pgTx) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (t *pgTx) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	return t.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
}

func (t *pgTx) ListDocumentsByOrganization(ctx context.Context, organizationID string) ([]Document, error) {
	return t.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents WHERE organization_id=$1 ORDER BY created_at DESC`, organizationID)
}

func (t *pgTx) ListDocumentsByIDs(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return t.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
}

func (t *pgTx) GetPermission(ctx context.Context, documentID, userID string) (Permission, error) {
	var item Permission
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, document_id, user_id, role, created_at
		FROM permissions
		WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&item.ID, &item.DocumentID, &item.UserID, &item.Role, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, fmt.Errorf("get permission: %w", err)
	}
	return item, nil
}

func (t *pgTx) ListPermissions(ctx context.Context, documentID string) ([]Permission, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, document_id, user_id, role, created_at
		FROM permissions
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var item Permission
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.UserID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

const shareLinkColumns = `id, document_id, token, role, expires_at, created_by, created_at`

func scanShareLink(row rowScanner) (ShareLink, error) {
	var (
		item      ShareLink
		expiresAt sql.NullInt64
	)
	if err := row.Scan(&item.ID, &item.DocumentID, &item.Token, &item.Role, &expiresAt, &item.CreatedBy, &item.CreatedAt); err != nil {
		return ShareLink{}, err
	}
	if expiresAt.Valid {
		value := expiresAt.Int64
		item.ExpiresAt = &value
	}
	return item, nil
}

func (t *pgTx) getShareLink(ctx context.Context, where string, arg string) (ShareLink, error) {
	item, err := scanShareLink(t.tx.QueryRowContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE `+where+`=$1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("get share link: %w", err)
	}
	return item, nil
}

func (t *pgTx) GetShareLink(ctx context.Context, id string) (ShareLink, error) {
	return t.getShareLink(ctx, "id", id)
}

func (t *pgTx) GetShareLinkByToken(ctx context.Context, token string) (ShareLink, error) {
	return t.getShareLink(ctx, "token", token)
}

func (t *pgTx) ListShareLinks(ctx context.Context, documentID string) ([]ShareLink, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE document_id=$1 ORDER BY created_at ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	items := make([]ShareLink, 0)
	for rows.Next() {
		item, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share links: %w", err)
	}
	return items, nil
}

const versionColumns = `id, document_id, content, title, created_by, description, commit_hash, created_at`

func scanVersion(row rowScanner) (Version, error) {
	var (
		item        Version
		description sql.NullString
	)
	if err := row.Scan(&item.ID, &item.DocumentID, &item.Content, &item.Title, &item.CreatedBy, &description, &item.CommitHash, &item.CreatedAt); err != nil {
		return Version{}, err
	}
	item.Description = nullString(description)
	return item, nil
}

func (t *pgTx) GetVersion(ctx context.Context, id string) (Version, error) {
	item, err := scanVersion(t.tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

func (t *pgTx) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE document_id=$1
		ORDER BY created_at DESC, seq DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

const folderColumns = `id, name, owner_id, organization_id, parent_id, created_at`

func scanFolder(row rowScanner) (Folder, error) {
	var (
		item           Folder
		organizationID sql.NullString
		parentID       sql.NullString
	)
	if err := row.Scan(&item.ID, &item.Name, &item.OwnerID, &organizationID, &parentID, &item.CreatedAt); err != nil {
		return Folder{}, err
	}
	item.OrganizationID = nullString(organizationID)
	item.ParentID = nullString(parentID)
	return item, nil
}

func (t *pgTx) GetFolder(ctx context.Context, id string) (Folder, error) {
	item, err := scanFolder(t.tx.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, ErrNotFound
	}
	if err != nil {
		return Folder{}, fmt.Errorf("get folder: %w", err)
	}
	return item, nil
}

func (t *pgTx) queryFolders(ctx context.Context, query string, arg string) ([]Folder, error) {
	rows, err := t.tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		item, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (t *pgTx) ListFoldersByOwner(ctx context.Context, ownerID string) ([]Folder, error) {
	return t.queryFolders(ctx, `SELECT `+folderColumns+` FROM folders WHERE owner_id=$1 ORDER BY name ASC`, ownerID)
}

func (t *pgTx) ListFoldersByOrganization(ctx context.Context, organizationID string) ([]Folder, error) {
	return t.queryFolders(ctx, `SELECT `+folderColumns+` FROM folders WHERE organization_id=$1 ORDER BY name ASC`, organizationID)
}

func (t *pgTx) InsertDocument(ctx context.Context, doc Document) error {
	tags, err := json.Marshal(cloneStrings(doc.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, initial_content, owner_id, organization_id, folder_id, tags, is_starred, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.Title, nullable(doc.InitialContent), doc.OwnerID, nullable(doc.OrganizationID), nullable(doc.FolderID), tags, doc.IsStarred, doc.CreatedAt)
	if err != nil {
		return wrapConstraint("insert document", err)
	}
	return nil
}

func (t *pgTx) PatchDocument(ctx context.Context, id string, patch DocumentPatch) error {
	sets := make([]string, 0, 5)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.InitialContent != nil {
		add("initial_content", *patch.InitialContent)
	}
	if patch.ClearFolder {
		sets = append(sets, "folder_id=NULL")
	} else if patch.FolderID != nil {
		add("folder_id", *patch.FolderID)
	}
	if patch.Tags != nil {
		tags, err := json.Marshal(cloneStrings(*patch.Tags))
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		add("tags", tags)
	}
	if patch.IsStarred != nil {
		add("is_starred", *patch.IsStarred)
	}
	if len(sets) == 0 {
		return nil
	}
	result, err := t.tx.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return fmt.Errorf("patch document: %w", err)
	}
	return requireAffected(result, "patch document")
}

func (t *pgTx) DeleteDocument(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(result, "delete document")
}

func (t *pgTx) UpsertPermission(ctx context.Context, perm Permission) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO permissions (id, document_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role=EXCLUDED.role
		RETURNING id
	`, perm.ID, perm.DocumentID, perm.UserID, perm.Role, perm.CreatedAt).Scan(&id)
	if err != nil {
		return "", wrapConstraint("upsert permission", err)
	}
	return id, nil
}

func (t *pgTx) DeletePermission(ctx context.Context, documentID, userID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM permissions WHERE document_id=$1 AND user_id=$2`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("delete permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete permission: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) InsertShareLink(ctx context.Context, link ShareLink) error {
	var expiresAt any
	if link.ExpiresAt != nil {
		expiresAt = *link.ExpiresAt
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO share_links (id, document_id, token, role, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, link.ID, link.DocumentID, link.Token, link.Role, expiresAt, link.CreatedBy, link.CreatedAt)
	if err != nil {
		return wrapConstraint("insert share link", err)
	}
	return nil
}

func (t *pgTx) DeleteShareLink(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM share_links WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	return requireAffected(result, "delete share link")
}

func (t *pgTx) InsertVersion(ctx context.Context, version Version) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO versions (id, document_id, content, title, created_by, description, commit_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, version.ID, version.DocumentID, version.Content, version.Title, version.CreatedBy, nullable(version.Description), version.CommitHash, version.CreatedAt)
	if err != nil {
		return wrapConstraint("insert version", err)
	}
	return nil
}

func (t *pgTx) InsertFolder(ctx context.Context, folder Folder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO folders (id, name, owner_id, organization_id, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, folder.ID, folder.Name, folder.OwnerID, nullable(folder.OrganizationID), nullable(folder.ParentID), folder.CreatedAt)
	if err != nil {
		return wrapConstraint("insert folder", err)
	}
	return nil
}

func (t *pgTx) UpdateFolderParent(ctx context.Context, id string, parentID *string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE folders SET parent_id=$2 WHERE id=$1`, id, nullable(parentID))
	if err != nil {
		return fmt.Errorf("update folder parent: %w", err)
	}
	return requireAffected(result, "update folder parent")
}

func (t *pgTx) DeleteFolder(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE folders SET parent_id=(SELECT parent_id FROM folders WHERE id=$1)
		WHERE parent_id=$1
	`, id); err != nil {
		return fmt.Errorf("reparent child folders: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE documents SET folder_id=NULL WHERE folder_id=$1`, id); err != nil {
		return fmt.Errorf("detach folder documents: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return requireAffected(result, "delete folder")
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapConstraint(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
