package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

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

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Refresh sessions (PostgreSQL fallback when redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── Boards ──

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, owner_id, name, description, is_public)
		VALUES ($1, $2, $3, $4, $5)
	`, board.ID, board.OwnerID, board.Name, board.Description, board.IsPublic)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, is_public, commit_seq, created_at, updated_at
		FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.OwnerID, &board.Name, &board.Description, &board.IsPublic, &board.CommitSeq, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string, includePublic bool) ([]Board, error) {
	query := `
		SELECT DISTINCT b.id, b.owner_id, b.name, b.description, b.is_public, b.commit_seq, b.created_at, b.updated_at
		FROM boards b
		LEFT JOIN board_members bm ON bm.board_id = b.id
		WHERE b.owner_id = $1 OR bm.user_id = $1
	`
	if includePublic {
		query += ` OR b.is_public`
	}
	query += ` ORDER BY b.created_at`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var board Board
		if err := rows.Scan(&board.ID, &board.OwnerID, &board.Name, &board.Description, &board.IsPublic, &board.CommitSeq, &board.CreatedAt, &board.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, board)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBoard(ctx context.Context, board Board, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE boards SET name=$2, description=$3, is_public=$4, updated_at=NOW()
			WHERE id=$1
		`, board.ID, board.Name, board.Description, board.IsPublic)
		if err != nil {
			return fmt.Errorf("update board: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, board.ID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, board.ID, actorID, "board_updated", map[string]any{"name": board.Name})
	})
	return seq, err
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Memberships ──

// GetMemberRole returns the stored membership role, or "" when the user has no
// membership row on the board.
func (s *PostgresStore) GetMemberRole(ctx context.Context, boardID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM board_members WHERE board_id=$1 AND user_id=$2
	`, boardID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, boardID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT board_id, user_id, role, added_at
		FROM board_members WHERE board_id=$1 ORDER BY added_at
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.BoardID, &member.UserID, &member.Role, &member.AddedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, member)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountAdmins(ctx context.Context, boardID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM board_members WHERE board_id=$1 AND role='admin'
	`, boardID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, member Member, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO board_members (board_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (board_id, user_id) DO UPDATE SET role=EXCLUDED.role
		`, member.BoardID, member.UserID, member.Role)
		if err != nil {
			return fmt.Errorf("upsert member: %w", err)
		}
		seq, err = bumpCommitSeq(ctx, tx, member.BoardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, member.BoardID, actorID, "member_upserted", map[string]any{
			"user_id": member.UserID,
			"role":    member.Role,
		})
	})
	return seq, err
}

func (s *PostgresStore) RemoveMember(ctx context.Context, boardID, userID, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM board_members WHERE board_id=$1 AND user_id=$2
		`, boardID, userID)
		if err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "member_removed", map[string]any{"user_id": userID})
	})
	return seq, err
}

// ── Labels ──

func (s *PostgresStore) InsertLabel(ctx context.Context, label Label) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (id, board_id, name, color) VALUES ($1, $2, $3, $4)
	`, label.ID, label.BoardID, label.Name, label.Color)
	if err != nil {
		return fmt.Errorf("insert label: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLabel(ctx context.Context, labelID string) (Label, error) {
	var label Label
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, color FROM labels WHERE id=$1
	`, labelID).Scan(&label.ID, &label.BoardID, &label.Name, &label.Color)
	if err != nil {
		return Label{}, err
	}
	return label, nil
}

func (s *PostgresStore) ListLabels(ctx context.Context, boardID string) ([]Label, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, color FROM labels WHERE board_id=$1 ORDER BY name
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()

	items := make([]Label, 0)
	for rows.Next() {
		var label Label
		if err := rows.Scan(&label.ID, &label.BoardID, &label.Name, &label.Color); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		items = append(items, label)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteLabel(ctx context.Context, labelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM labels WHERE id=$1`, labelID)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) AttachLabel(ctx context.Context, boardID, cardID, labelID, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO card_labels (card_id, label_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, cardID, labelID)
		if err != nil {
			return fmt.Errorf("attach label: %w", err)
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "label_attached", map[string]any{
			"card_id":  cardID,
			"label_id": labelID,
		})
	})
	return seq, err
}

func (s *PostgresStore) DetachLabel(ctx context.Context, boardID, cardID, labelID, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM card_labels WHERE card_id=$1 AND label_id=$2
		`, cardID, labelID)
		if err != nil {
			return fmt.Errorf("detach label: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "label_detached", map[string]any{
			"card_id":  cardID,
			"label_id": labelID,
		})
	})
	return seq, err
}

func (s *PostgresStore) ListCardLabelIDs(ctx context.Context, cardID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label_id FROM card_labels WHERE card_id=$1`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list card labels: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan card label: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Comments ──

func (s *PostgresStore) InsertComment(ctx context.Context, boardID string, comment Comment) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, card_id, user_id, body) VALUES ($1, $2, $3, $4)
		`, comment.ID, comment.CardID, comment.UserID, comment.Body)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, comment.UserID, "comment_added", map[string]any{
			"card_id":    comment.CardID,
			"comment_id": comment.ID,
		})
	})
	return seq, err
}

func (s *PostgresStore) ListComments(ctx context.Context, cardID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, user_id, body, created_at
		FROM comments WHERE card_id=$1 ORDER BY created_at
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.CardID, &comment.UserID, &comment.Body, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}

// ── Activity ──

func (s *PostgresStore) ListActivity(ctx context.Context, boardID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, user_id, action, details, created_at
		FROM board_activity WHERE board_id=$1 ORDER BY id DESC LIMIT $2
	`, boardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var entry Activity
		if err := rows.Scan(&entry.ID, &entry.BoardID, &entry.UserID, &entry.Action, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// ── helpers ──

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// bumpCommitSeq takes the board row lock, so event-producing transactions on
// the same board commit strictly one after another.
func bumpCommitSeq(ctx context.Context, tx *sql.Tx, boardID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		UPDATE boards SET commit_seq = commit_seq + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING commit_seq
	`, boardID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("bump commit seq: %w", err)
	}
	return seq, nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, boardID, userID, action string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_activity (board_id, user_id, action, details)
		VALUES ($1, $2, $3, $4)
	`, boardID, userID, action, payload); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
