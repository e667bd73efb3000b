package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"corkboard/api/internal/position"
)

// ListReorder moves one list inside its board's ordering.
type ListReorder struct {
	BoardID     string
	ListID      string
	Shifts      []position.Shift
	NewPosition int
	ActorID     string
}

// CardReorder moves one card inside a single list.
type CardReorder struct {
	BoardID     string
	ListID      string
	CardID      string
	Shifts      []position.Shift
	NewPosition int
	ActorID     string
}

// CardMove re-homes a card into another list, possibly on another board. The
// removal from the source ordering and the insertion into the destination
// ordering commit as one transaction.
type CardMove struct {
	CardID        string
	SourceBoardID string
	SourceListID  string
	DestBoardID   string
	DestListID    string
	SourceShifts  []position.Shift
	DestShifts    []position.Shift
	NewPosition   int
	ActorID       string
}

func (s *PostgresStore) ListsByBoard(ctx context.Context, boardID string) ([]List, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, title, position, created_at
		FROM lists WHERE board_id=$1 ORDER BY position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	items := make([]List, 0)
	for rows.Next() {
		var item List
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Title, &item.Position, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetList(ctx context.Context, listID string) (List, error) {
	var item List
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, title, position, created_at
		FROM lists WHERE id=$1
	`, listID).Scan(&item.ID, &item.BoardID, &item.Title, &item.Position, &item.CreatedAt)
	if err != nil {
		return List{}, err
	}
	return item, nil
}

func (s *PostgresStore) CardsByList(ctx context.Context, listID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, title, description, position, assignee_id, due_date, created_at, updated_at
		FROM cards WHERE list_id=$1 ORDER BY position
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	items := make([]Card, 0)
	for rows.Next() {
		var item Card
		if err := rows.Scan(&item.ID, &item.ListID, &item.Title, &item.Description, &item.Position, &item.AssigneeID, &item.DueDate, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	var item Card
	err := s.db.QueryRowContext(ctx, `
		SELECT id, list_id, title, description, position, assignee_id, due_date, created_at, updated_at
		FROM cards WHERE id=$1
	`, cardID).Scan(&item.ID, &item.ListID, &item.Title, &item.Description, &item.Position, &item.AssigneeID, &item.DueDate, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Card{}, err
	}
	return item, nil
}

// InsertList appends a list at the end of the board's ordering. The position is
// assigned inside the transaction under the board row lock.
func (s *PostgresStore) InsertList(ctx context.Context, item List, actorID string) (List, int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockBoards(ctx, tx, item.BoardID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) + 1 FROM lists WHERE board_id=$1
		`, item.BoardID).Scan(&item.Position); err != nil {
			return fmt.Errorf("next list position: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lists (id, board_id, title, position) VALUES ($1, $2, $3, $4)
		`, item.ID, item.BoardID, item.Title, item.Position); err != nil {
			return fmt.Errorf("insert list: %w", err)
		}
		var err error
		seq, err = bumpCommitSeq(ctx, tx, item.BoardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, item.BoardID, actorID, "list_created", map[string]any{
			"list_id": item.ID,
			"title":   item.Title,
		})
	})
	if err != nil {
		return List{}, 0, err
	}
	return item, seq, nil
}

func (s *PostgresStore) UpdateListTitle(ctx context.Context, boardID, listID, title, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE lists SET title=$2 WHERE id=$1`, listID, title)
		if err != nil {
			return fmt.Errorf("update list: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "list_updated", map[string]any{
			"list_id": listID,
			"title":   title,
		})
	})
	return seq, err
}

func (s *PostgresStore) ApplyListReorder(ctx context.Context, in ListReorder) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockBoards(ctx, tx, in.BoardID); err != nil {
			return err
		}
		if err := shiftPositions(ctx, tx, "lists", "board_id", in.BoardID, in.Shifts); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `UPDATE lists SET position=$2 WHERE id=$1`, in.ListID, in.NewPosition)
		if err != nil {
			return fmt.Errorf("place list: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, in.BoardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, in.BoardID, in.ActorID, "list_moved", map[string]any{
			"list_id":      in.ListID,
			"new_position": in.NewPosition,
		})
	})
	return seq, err
}

func (s *PostgresStore) DeleteListAndCompact(ctx context.Context, boardID, listID string, shifts []position.Shift, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockBoards(ctx, tx, boardID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
		if err != nil {
			return fmt.Errorf("delete list: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		if err := shiftPositions(ctx, tx, "lists", "board_id", boardID, shifts); err != nil {
			return err
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "list_deleted", map[string]any{"list_id": listID})
	})
	return seq, err
}

// InsertCard appends a card at the end of the list's ordering.
func (s *PostgresStore) InsertCard(ctx context.Context, boardID string, item Card, actorID string) (Card, int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLists(ctx, tx, item.ListID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) + 1 FROM cards WHERE list_id=$1
		`, item.ListID).Scan(&item.Position); err != nil {
			return fmt.Errorf("next card position: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cards (id, list_id, title, description, position, assignee_id, due_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.ListID, item.Title, item.Description, item.Position, item.AssigneeID, item.DueDate); err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		var err error
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "card_created", map[string]any{
			"card_id": item.ID,
			"list_id": item.ListID,
			"title":   item.Title,
		})
	})
	if err != nil {
		return Card{}, 0, err
	}
	return item, seq, nil
}

// UpdateCardFields persists non-position field changes (title, description,
// due date, assignee).
func (s *PostgresStore) UpdateCardFields(ctx context.Context, boardID string, item Card, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE cards SET title=$2, description=$3, assignee_id=$4, due_date=$5, updated_at=NOW()
			WHERE id=$1
		`, item.ID, item.Title, item.Description, item.AssigneeID, item.DueDate)
		if err != nil {
			return fmt.Errorf("update card: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "card_updated", map[string]any{"card_id": item.ID})
	})
	return seq, err
}

func (s *PostgresStore) ApplyCardReorder(ctx context.Context, in CardReorder) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLists(ctx, tx, in.ListID); err != nil {
			return err
		}
		if err := shiftPositions(ctx, tx, "cards", "list_id", in.ListID, in.Shifts); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `UPDATE cards SET position=$2, updated_at=NOW() WHERE id=$1`, in.CardID, in.NewPosition)
		if err != nil {
			return fmt.Errorf("place card: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		seq, err = bumpCommitSeq(ctx, tx, in.BoardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, in.BoardID, in.ActorID, "card_moved", map[string]any{
			"card_id":      in.CardID,
			"new_position": in.NewPosition,
		})
	})
	return seq, err
}

// ApplyCardMove commits a cross-list move atomically: one transaction closes
// the source gap, shifts the destination band and re-homes the card. When the
// move crosses boards both commit sequences are bumped; the returned values
// are (source seq, destination seq), equal for a same-board move.
func (s *PostgresStore) ApplyCardMove(ctx context.Context, in CardMove) (int64, int64, error) {
	var srcSeq, dstSeq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLists(ctx, tx, in.SourceListID, in.DestListID); err != nil {
			return err
		}
		if err := shiftPositions(ctx, tx, "cards", "list_id", in.SourceListID, in.SourceShifts); err != nil {
			return err
		}
		if err := shiftPositions(ctx, tx, "cards", "list_id", in.DestListID, in.DestShifts); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE cards SET list_id=$2, position=$3, updated_at=NOW() WHERE id=$1
		`, in.CardID, in.DestListID, in.NewPosition)
		if err != nil {
			return fmt.Errorf("re-home card: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}

		boards := []string{in.SourceBoardID}
		if in.DestBoardID != in.SourceBoardID {
			boards = append(boards, in.DestBoardID)
			sort.Strings(boards)
		}
		seqs := make(map[string]int64, len(boards))
		for _, boardID := range boards {
			seq, err := bumpCommitSeq(ctx, tx, boardID)
			if err != nil {
				return err
			}
			seqs[boardID] = seq
		}
		srcSeq = seqs[in.SourceBoardID]
		dstSeq = seqs[in.DestBoardID]
		if in.DestBoardID == in.SourceBoardID {
			dstSeq = srcSeq
		}
		return insertActivity(ctx, tx, in.DestBoardID, in.ActorID, "card_moved", map[string]any{
			"card_id":      in.CardID,
			"from_list_id": in.SourceListID,
			"to_list_id":   in.DestListID,
			"new_position": in.NewPosition,
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return srcSeq, dstSeq, nil
}

func (s *PostgresStore) DeleteCardAndCompact(ctx context.Context, boardID, listID, cardID string, shifts []position.Shift, actorID string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockLists(ctx, tx, listID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID)
		if err != nil {
			return fmt.Errorf("delete card: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return sql.ErrNoRows
		}
		if err := shiftPositions(ctx, tx, "cards", "list_id", listID, shifts); err != nil {
			return err
		}
		seq, err = bumpCommitSeq(ctx, tx, boardID)
		if err != nil {
			return err
		}
		return insertActivity(ctx, tx, boardID, actorID, "card_deleted", map[string]any{
			"card_id": cardID,
			"list_id": listID,
		})
	})
	return seq, err
}

// lockBoards takes board row locks in sorted id order.
func lockBoards(ctx context.Context, tx *sql.Tx, boardIDs ...string) error {
	return lockRows(ctx, tx, "boards", boardIDs)
}

// lockLists takes list row locks in sorted id order so two concurrent moves
// crossing the same pair of lists in opposite directions cannot deadlock.
func lockLists(ctx context.Context, tx *sql.Tx, listIDs ...string) error {
	return lockRows(ctx, tx, "lists", listIDs)
}

func lockRows(ctx context.Context, tx *sql.Tx, table string, ids []string) error {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		var found string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id=$1 FOR UPDATE`, table), id).Scan(&found)
		if err != nil {
			return err
		}
	}
	return nil
}

// shiftPositions applies each band as a single range UPDATE.
func shiftPositions(ctx context.Context, tx *sql.Tx, table, parentCol, parentID string, shifts []position.Shift) error {
	for _, shift := range shifts {
		query := fmt.Sprintf(`
			UPDATE %s SET position = position + $2
			WHERE %s = $1 AND position BETWEEN $3 AND $4
		`, table, parentCol)
		if _, err := tx.ExecContext(ctx, query, parentID, shift.By, shift.Lo, shift.Hi); err != nil {
			return fmt.Errorf("shift %s positions: %w", table, err)
		}
	}
	return nil
}
