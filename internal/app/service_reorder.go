package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"corkboard/api/internal/position"
	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

type CreateCardInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
}

// CardPatch updates non-position card fields. Nil pointers leave the field
// unchanged; an empty assignee id clears the assignment.
type CardPatch struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	AssigneeID   *string    `json:"assigneeId"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
}

// ── Lists ──

func (s *Service) CreateList(ctx context.Context, session Session, boardID, title string) (map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	unlock, err := s.lockScopes(ctx, scopeBoard(boardID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	created, seq, err := s.store.InsertList(ctx, store.List{
		ID:      util.NewID("lst"),
		BoardID: boardID,
		Title:   title,
	}, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindListCreated,
		BoardID:     boardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: created.ID, Type: "list", Position: created.Position, Title: created.Title},
		ActorUserID: session.UserID,
	})
	payload := listPayload(created)
	payload["commitSeq"] = seq
	return payload, nil
}

func (s *Service) ListBoardLists(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	lists, err := s.store.ListsByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(lists))
	for _, list := range lists {
		items = append(items, listPayload(list))
	}
	return items, nil
}

func (s *Service) RenameList(ctx context.Context, session Session, listID, title string) (map[string]any, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	seq, err := s.store.UpdateListTitle(ctx, list.BoardID, listID, title, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindListUpdated,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: listID, Type: "list", Position: list.Position, Title: title},
		ActorUserID: session.UserID,
	})
	list.Title = title
	payload := listPayload(list)
	payload["commitSeq"] = seq
	return payload, nil
}

// ReorderList moves one list to a new position inside its board. A move onto
// the current position commits nothing and emits nothing.
func (s *Service) ReorderList(ctx context.Context, session Session, listID string, to int) (map[string]any, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	board, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockScopes(ctx, scopeBoard(list.BoardID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	lists, err := s.store.ListsByBoard(ctx, list.BoardID)
	if err != nil {
		return nil, err
	}
	from := 0
	for _, sibling := range lists {
		if sibling.ID == listID {
			from = sibling.Position
		}
	}
	if from == 0 {
		// Deleted between the auth read and the lock.
		return nil, sql.ErrNoRows
	}
	if to == from {
		// Nothing commits, so report the sequence as of the lock, not the
		// earlier auth read.
		board, err = s.store.GetBoard(ctx, list.BoardID)
		if err != nil {
			return nil, err
		}
		payload := listPayload(list)
		payload["commitSeq"] = board.CommitSeq
		return payload, nil
	}

	plan, err := position.MoveWithin(len(lists), from, to)
	if err != nil {
		return nil, err
	}
	siblings := siblingDiff(listEntries(lists, listID), plan)
	seq, err := s.store.ApplyListReorder(ctx, store.ListReorder{
		BoardID:     list.BoardID,
		ListID:      listID,
		Shifts:      plan.Shifts,
		NewPosition: plan.Target,
		ActorID:     session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:             realtime.KindListMoved,
		BoardID:          list.BoardID,
		CommitSeq:        seq,
		Entity:           &realtime.Entity{ID: listID, Type: "list", Position: plan.Target, Title: list.Title},
		AffectedSiblings: siblings,
		ActorUserID:      session.UserID,
	})
	list.Position = plan.Target
	payload := listPayload(list)
	payload["commitSeq"] = seq
	return payload, nil
}

// DeleteList removes the list (its cards cascade) and closes the position gap.
func (s *Service) DeleteList(ctx context.Context, session Session, listID string) error {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}

	unlock, err := s.lockScopes(ctx, scopeBoard(list.BoardID))
	if err != nil {
		return err
	}
	defer unlock()

	lists, err := s.store.ListsByBoard(ctx, list.BoardID)
	if err != nil {
		return err
	}
	from := 0
	for _, sibling := range lists {
		if sibling.ID == listID {
			from = sibling.Position
		}
	}
	if from == 0 {
		return sql.ErrNoRows
	}
	plan, err := position.RemoveAt(len(lists), from)
	if err != nil {
		return err
	}
	siblings := siblingDiff(listEntries(lists, listID), plan)
	seq, err := s.store.DeleteListAndCompact(ctx, list.BoardID, listID, plan.Shifts, session.UserID)
	if err != nil {
		return err
	}
	s.publish(ctx, realtime.Event{
		Kind:             realtime.KindListDeleted,
		BoardID:          list.BoardID,
		CommitSeq:        seq,
		Entity:           &realtime.Entity{ID: listID, Type: "list"},
		AffectedSiblings: siblings,
		ActorUserID:      session.UserID,
	})
	return nil
}

// ── Cards ──

func (s *Service) CreateCard(ctx context.Context, session Session, listID string, input CreateCardInput) (map[string]any, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	unlock, err := s.lockScopes(ctx, scopeList(listID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	created, seq, err := s.store.InsertCard(ctx, list.BoardID, store.Card{
		ID:          util.NewID("crd"),
		ListID:      listID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		AssigneeID:  input.AssigneeID,
		DueDate:     input.DueDate,
	}, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindCardCreated,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: created.ID, Type: "card", Position: created.Position, ListID: listID, Title: created.Title},
		ActorUserID: session.UserID,
	})
	payload := cardPayload(created)
	payload["commitSeq"] = seq
	return payload, nil
}

func (s *Service) ListCards(ctx context.Context, session Session, listID string) ([]map[string]any, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	cards, err := s.store.CardsByList(ctx, listID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		items = append(items, cardPayload(card))
	}
	return items, nil
}

func (s *Service) GetCardDetail(ctx context.Context, session Session, cardID string) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	labelIDs, err := s.store.ListCardLabelIDs(ctx, cardID)
	if err != nil {
		return nil, err
	}
	payload := cardPayload(card)
	payload["boardId"] = list.BoardID
	payload["labelIds"] = labelIDs
	return payload, nil
}

func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, patch CardPatch) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not be blank", nil)
		}
		card.Title = title
	}
	if patch.Description != nil {
		card.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.AssigneeID != nil {
		if assignee := strings.TrimSpace(*patch.AssigneeID); assignee == "" {
			card.AssigneeID = nil
		} else {
			if _, err := s.store.GetUserByID(ctx, assignee); err != nil {
				return nil, err
			}
			card.AssigneeID = &assignee
		}
	}
	if patch.ClearDueDate {
		card.DueDate = nil
	} else if patch.DueDate != nil {
		card.DueDate = patch.DueDate
	}

	seq, err := s.store.UpdateCardFields(ctx, list.BoardID, card, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindCardUpdated,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: card.ID, Type: "card", Position: card.Position, ListID: card.ListID, Title: card.Title},
		ActorUserID: session.UserID,
	})
	payload := cardPayload(card)
	payload["commitSeq"] = seq
	return payload, nil
}

// ReorderCard moves one card to a new position within its list.
func (s *Service) ReorderCard(ctx context.Context, session Session, cardID string, to int) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	board, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockScopes(ctx, scopeList(list.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cards, err := s.store.CardsByList(ctx, list.ID)
	if err != nil {
		return nil, err
	}
	from := 0
	for _, sibling := range cards {
		if sibling.ID == cardID {
			from = sibling.Position
		}
	}
	if from == 0 {
		return nil, sql.ErrNoRows
	}
	if to == from {
		board, err = s.store.GetBoard(ctx, list.BoardID)
		if err != nil {
			return nil, err
		}
		payload := cardPayload(card)
		payload["commitSeq"] = board.CommitSeq
		return payload, nil
	}

	plan, err := position.MoveWithin(len(cards), from, to)
	if err != nil {
		return nil, err
	}
	siblings := siblingDiff(cardEntries(cards, cardID), plan)
	seq, err := s.store.ApplyCardReorder(ctx, store.CardReorder{
		BoardID:     list.BoardID,
		ListID:      list.ID,
		CardID:      cardID,
		Shifts:      plan.Shifts,
		NewPosition: plan.Target,
		ActorID:     session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:             realtime.KindCardMoved,
		BoardID:          list.BoardID,
		CommitSeq:        seq,
		Entity:           &realtime.Entity{ID: cardID, Type: "card", Position: plan.Target, ListID: list.ID, Title: card.Title},
		AffectedSiblings: siblings,
		ActorUserID:      session.UserID,
	})
	card.Position = plan.Target
	payload := cardPayload(card)
	payload["commitSeq"] = seq
	return payload, nil
}

// MoveCard re-homes a card into another list, which may live on another board.
// The source gap closes and the destination band opens in one transaction; the
// caller needs write access on both boards.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID, destListID string, to int) (map[string]any, error) {
	card, srcList, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if destListID == srcList.ID {
		return s.ReorderCard(ctx, session, cardID, to)
	}
	destList, err := s.store.GetList(ctx, destListID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, srcList.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if destList.BoardID != srcList.BoardID {
		if _, _, err := s.authorizeBoard(ctx, destList.BoardID, session.UserID, rbac.ActionWrite); err != nil {
			return nil, err
		}
	}

	unlock, err := s.lockScopes(ctx, scopeList(srcList.ID), scopeList(destList.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	srcCards, err := s.store.CardsByList(ctx, srcList.ID)
	if err != nil {
		return nil, err
	}
	destCards, err := s.store.CardsByList(ctx, destList.ID)
	if err != nil {
		return nil, err
	}
	from := 0
	for _, sibling := range srcCards {
		if sibling.ID == cardID {
			from = sibling.Position
		}
	}
	if from == 0 {
		return nil, sql.ErrNoRows
	}

	srcPlan, err := position.RemoveAt(len(srcCards), from)
	if err != nil {
		return nil, err
	}
	destPlan, err := position.InsertAt(len(destCards), to)
	if err != nil {
		return nil, err
	}
	srcSiblings := siblingDiff(cardEntries(srcCards, cardID), srcPlan)
	destSiblings := siblingDiff(cardEntries(destCards, ""), destPlan)

	srcSeq, destSeq, err := s.store.ApplyCardMove(ctx, store.CardMove{
		CardID:        cardID,
		SourceBoardID: srcList.BoardID,
		SourceListID:  srcList.ID,
		DestBoardID:   destList.BoardID,
		DestListID:    destList.ID,
		SourceShifts:  srcPlan.Shifts,
		DestShifts:    destPlan.Shifts,
		NewPosition:   destPlan.Target,
		ActorID:       session.UserID,
	})
	if err != nil {
		return nil, err
	}

	entity := &realtime.Entity{ID: cardID, Type: "card", Position: destPlan.Target, ListID: destList.ID, Title: card.Title}
	if destList.BoardID == srcList.BoardID {
		s.publish(ctx, realtime.Event{
			Kind:             realtime.KindCardMoved,
			BoardID:          srcList.BoardID,
			CommitSeq:        srcSeq,
			Entity:           entity,
			AffectedSiblings: append(srcSiblings, destSiblings...),
			ActorUserID:      session.UserID,
		})
	} else {
		s.publish(ctx, realtime.Event{
			Kind:             realtime.KindCardMoved,
			BoardID:          srcList.BoardID,
			CommitSeq:        srcSeq,
			Entity:           entity,
			AffectedSiblings: srcSiblings,
			ActorUserID:      session.UserID,
		})
		s.publish(ctx, realtime.Event{
			Kind:             realtime.KindCardMoved,
			BoardID:          destList.BoardID,
			CommitSeq:        destSeq,
			Entity:           entity,
			AffectedSiblings: destSiblings,
			ActorUserID:      session.UserID,
		})
	}

	card.ListID = destList.ID
	card.Position = destPlan.Target
	payload := cardPayload(card)
	payload["commitSeq"] = destSeq
	return payload, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	_, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}

	unlock, err := s.lockScopes(ctx, scopeList(list.ID))
	if err != nil {
		return err
	}
	defer unlock()

	cards, err := s.store.CardsByList(ctx, list.ID)
	if err != nil {
		return err
	}
	from := 0
	for _, sibling := range cards {
		if sibling.ID == cardID {
			from = sibling.Position
		}
	}
	if from == 0 {
		return sql.ErrNoRows
	}
	plan, err := position.RemoveAt(len(cards), from)
	if err != nil {
		return err
	}
	siblings := siblingDiff(cardEntries(cards, cardID), plan)
	seq, err := s.store.DeleteCardAndCompact(ctx, list.BoardID, list.ID, cardID, plan.Shifts, session.UserID)
	if err != nil {
		return err
	}
	s.publish(ctx, realtime.Event{
		Kind:             realtime.KindCardDeleted,
		BoardID:          list.BoardID,
		CommitSeq:        seq,
		Entity:           &realtime.Entity{ID: cardID, Type: "card", ListID: list.ID},
		AffectedSiblings: siblings,
		ActorUserID:      session.UserID,
	})
	return nil
}

// ── Diff helpers ──

func listEntries(lists []store.List, excludeID string) []position.Entry {
	entries := make([]position.Entry, 0, len(lists))
	for _, list := range lists {
		if list.ID == excludeID {
			continue
		}
		entries = append(entries, position.Entry{ID: list.ID, Pos: list.Position})
	}
	return entries
}

func cardEntries(cards []store.Card, excludeID string) []position.Entry {
	entries := make([]position.Entry, 0, len(cards))
	for _, card := range cards {
		if card.ID == excludeID {
			continue
		}
		entries = append(entries, position.Entry{ID: card.ID, Pos: card.Position})
	}
	return entries
}

// siblingDiff reports the siblings whose stored position the plan changed,
// with their committed positions.
func siblingDiff(entries []position.Entry, plan position.Plan) []realtime.Sibling {
	after := position.Apply(entries, plan)
	changed := position.Changed(entries, after)
	siblings := make([]realtime.Sibling, 0, len(changed))
	for _, entry := range changed {
		siblings = append(siblings, realtime.Sibling{ID: entry.ID, Position: entry.Pos})
	}
	return siblings
}
