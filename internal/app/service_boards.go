package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

type BoardPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"isPublic"`
}

func (s *Service) CreateBoard(ctx context.Context, session Session, name, description string, isPublic bool) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	board := store.Board{
		ID:          util.NewID("brd"),
		OwnerID:     session.UserID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsPublic:    isPublic,
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return nil, err
	}
	return boardPayload(board), nil
}

func (s *Service) ListBoards(ctx context.Context, session Session) ([]map[string]any, error) {
	boards, err := s.store.ListBoardsForUser(ctx, session.UserID, true)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(boards))
	for _, board := range boards {
		items = append(items, boardPayload(board))
	}
	return items, nil
}

// GetBoardSnapshot returns the board with its full ordered contents. Clients
// load this once, then apply realtime diffs on top of it.
func (s *Service) GetBoardSnapshot(ctx context.Context, session Session, boardID string) (map[string]any, error) {
	board, role, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}

	lists, err := s.store.ListsByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	listItems := make([]map[string]any, 0, len(lists))
	for _, list := range lists {
		cards, err := s.store.CardsByList(ctx, list.ID)
		if err != nil {
			return nil, err
		}
		cardItems := make([]map[string]any, 0, len(cards))
		for _, card := range cards {
			labelIDs, err := s.store.ListCardLabelIDs(ctx, card.ID)
			if err != nil {
				return nil, err
			}
			item := cardPayload(card)
			item["labelIds"] = labelIDs
			cardItems = append(cardItems, item)
		}
		item := listPayload(list)
		item["cards"] = cardItems
		listItems = append(listItems, item)
	}

	members, err := s.store.ListMembers(ctx, boardID)
	if err != nil {
		return nil, err
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberItems = append(memberItems, memberPayload(member))
	}

	labels, err := s.store.ListLabels(ctx, boardID)
	if err != nil {
		return nil, err
	}
	labelItems := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		labelItems = append(labelItems, labelPayload(label))
	}

	payload := boardPayload(board)
	payload["viewerRole"] = string(role)
	payload["lists"] = listItems
	payload["members"] = memberItems
	payload["labels"] = labelItems
	return payload, nil
}

func (s *Service) UpdateBoard(ctx context.Context, session Session, boardID string, patch BoardPatch) (map[string]any, error) {
	board, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be blank", nil)
		}
		board.Name = name
	}
	if patch.Description != nil {
		board.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.IsPublic != nil {
		board.IsPublic = *patch.IsPublic
	}
	seq, err := s.store.UpdateBoard(ctx, board, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindBoardUpdated,
		BoardID:     boardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: boardID, Type: "board", Title: board.Name},
		ActorUserID: session.UserID,
	})
	payload := boardPayload(board)
	payload["commitSeq"] = seq
	return payload, nil
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionDelete); err != nil {
		return err
	}
	return s.store.DeleteBoard(ctx, boardID)
}

// ── Members ──

func (s *Service) ListBoardMembers(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, boardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberPayload(member))
	}
	return items, nil
}

func (s *Service) AddMember(ctx context.Context, session Session, boardID, userID, role string) (map[string]any, error) {
	board, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	assigned := rbac.Role(strings.TrimSpace(role))
	if !rbac.Assignable(assigned) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of admin, member, viewer", nil)
	}
	if userID == board.OwnerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "The owner already has full access", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	member := store.Member{BoardID: boardID, UserID: userID, Role: string(assigned)}
	seq, err := s.store.UpsertMember(ctx, member, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindMemberAdded,
		BoardID:     boardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: userID, Type: "member", Title: string(assigned)},
		ActorUserID: session.UserID,
	})
	payload := memberPayload(member)
	payload["commitSeq"] = seq
	return payload, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, boardID, userID, role string) (map[string]any, error) {
	board, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionAdmin)
	if err != nil {
		return nil, err
	}
	assigned := rbac.Role(strings.TrimSpace(role))
	if !rbac.Assignable(assigned) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of admin, member, viewer", nil)
	}
	if userID == board.OwnerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "The owner's role cannot be changed", nil)
	}
	current, err := s.store.GetMemberRole(ctx, boardID, userID)
	if err != nil {
		return nil, err
	}
	if current == "" {
		return nil, sql.ErrNoRows
	}
	if current == string(rbac.RoleAdmin) && assigned != rbac.RoleAdmin {
		if err := s.guardLastAdmin(ctx, boardID); err != nil {
			return nil, err
		}
	}
	member := store.Member{BoardID: boardID, UserID: userID, Role: string(assigned)}
	seq, err := s.store.UpsertMember(ctx, member, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindMemberUpdated,
		BoardID:     boardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: userID, Type: "member", Title: string(assigned)},
		ActorUserID: session.UserID,
	})
	payload := memberPayload(member)
	payload["commitSeq"] = seq
	return payload, nil
}

// RemoveMember removes a membership row. Admins remove anyone; a member may
// remove themself (leave the board).
func (s *Service) RemoveMember(ctx context.Context, session Session, boardID, userID string) error {
	board, role, err := s.BoardRole(ctx, boardID, session.UserID)
	if err != nil {
		return err
	}
	selfRemoval := session.UserID == userID
	if !selfRemoval && !rbac.Can(role, rbac.ActionAdmin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if userID == board.OwnerID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "The owner cannot be removed", nil)
	}
	current, err := s.store.GetMemberRole(ctx, boardID, userID)
	if err != nil {
		return err
	}
	if current == "" {
		return sql.ErrNoRows
	}
	if current == string(rbac.RoleAdmin) {
		if err := s.guardLastAdmin(ctx, boardID); err != nil {
			return err
		}
	}
	seq, err := s.store.RemoveMember(ctx, boardID, userID, session.UserID)
	if err != nil {
		return err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindMemberRemoved,
		BoardID:     boardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: userID, Type: "member"},
		ActorUserID: session.UserID,
	})
	return nil
}

// guardLastAdmin refuses to drop the only explicit admin. The owner does not
// count: ownership is not a membership row and boards must keep at least one
// removable administrator once any was appointed.
func (s *Service) guardLastAdmin(ctx context.Context, boardID string) error {
	count, err := s.store.CountAdmins(ctx, boardID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return domainError(http.StatusForbidden, "FORBIDDEN", "A board cannot lose its last admin", nil)
	}
	return nil
}

// ── Labels ──

func (s *Service) CreateLabel(ctx context.Context, session Session, boardID, name, color string) (map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	label := store.Label{ID: util.NewID("lbl"), BoardID: boardID, Name: name, Color: strings.TrimSpace(color)}
	if err := s.store.InsertLabel(ctx, label); err != nil {
		return nil, err
	}
	return labelPayload(label), nil
}

func (s *Service) ListBoardLabels(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	labels, err := s.store.ListLabels(ctx, boardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		items = append(items, labelPayload(label))
	}
	return items, nil
}

func (s *Service) DeleteLabel(ctx context.Context, session Session, boardID, labelID string) error {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	label, err := s.store.GetLabel(ctx, labelID)
	if err != nil {
		return err
	}
	if label.BoardID != boardID {
		return sql.ErrNoRows
	}
	return s.store.DeleteLabel(ctx, labelID)
}

func (s *Service) AttachLabel(ctx context.Context, session Session, cardID, labelID string) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	label, err := s.store.GetLabel(ctx, labelID)
	if err != nil {
		return nil, err
	}
	if label.BoardID != list.BoardID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "label belongs to another board", nil)
	}
	seq, err := s.store.AttachLabel(ctx, list.BoardID, cardID, labelID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindLabelAdded,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: card.ID, Type: "card", ListID: list.ID, Title: label.ID},
		ActorUserID: session.UserID,
	})
	return map[string]any{"cardId": cardID, "labelId": labelID, "commitSeq": seq}, nil
}

func (s *Service) DetachLabel(ctx context.Context, session Session, cardID, labelID string) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	seq, err := s.store.DetachLabel(ctx, list.BoardID, cardID, labelID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindLabelRemoved,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: card.ID, Type: "card", ListID: list.ID, Title: labelID},
		ActorUserID: session.UserID,
	})
	return map[string]any{"cardId": cardID, "labelId": labelID, "commitSeq": seq}, nil
}

// ── Comments ──

func (s *Service) AddComment(ctx context.Context, session Session, cardID, body string) (map[string]any, error) {
	card, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	comment := store.Comment{
		ID:     util.NewID("cmt"),
		CardID: card.ID,
		UserID: session.UserID,
		Body:   body,
	}
	seq, err := s.store.InsertComment(ctx, list.BoardID, comment)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.Event{
		Kind:        realtime.KindCommentAdded,
		BoardID:     list.BoardID,
		CommitSeq:   seq,
		Entity:      &realtime.Entity{ID: comment.ID, Type: "comment", ListID: list.ID},
		ActorUserID: session.UserID,
	})
	return map[string]any{
		"id":        comment.ID,
		"cardId":    comment.CardID,
		"userId":    comment.UserID,
		"body":      comment.Body,
		"commitSeq": seq,
	}, nil
}

func (s *Service) ListCardComments(ctx context.Context, session Session, cardID string) ([]map[string]any, error) {
	_, list, err := s.resolveCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeBoard(ctx, list.BoardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, cardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, map[string]any{
			"id":        comment.ID,
			"cardId":    comment.CardID,
			"userId":    comment.UserID,
			"body":      comment.Body,
			"createdAt": comment.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// ── Activity ──

func (s *Service) BoardActivity(ctx context.Context, session Session, boardID string, limit int) ([]map[string]any, error) {
	if _, _, err := s.authorizeBoard(ctx, boardID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.ListActivity(ctx, boardID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":        entry.ID,
			"userId":    entry.UserID,
			"action":    entry.Action,
			"details":   entry.Details,
			"createdAt": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// ── Resolvers and payload builders ──

// resolveCard loads a card and its owning list; either missing reads as a 404.
func (s *Service) resolveCard(ctx context.Context, cardID string) (store.Card, store.List, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, store.List{}, err
	}
	list, err := s.store.GetList(ctx, card.ListID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, store.List{}, sql.ErrNoRows
		}
		return store.Card{}, store.List{}, err
	}
	return card, list, nil
}

func boardPayload(board store.Board) map[string]any {
	return map[string]any{
		"id":          board.ID,
		"ownerId":     board.OwnerID,
		"name":        board.Name,
		"description": board.Description,
		"isPublic":    board.IsPublic,
		"commitSeq":   board.CommitSeq,
	}
}

func listPayload(list store.List) map[string]any {
	return map[string]any{
		"id":       list.ID,
		"boardId":  list.BoardID,
		"title":    list.Title,
		"position": list.Position,
	}
}

func cardPayload(card store.Card) map[string]any {
	payload := map[string]any{
		"id":          card.ID,
		"listId":      card.ListID,
		"title":       card.Title,
		"description": card.Description,
		"position":    card.Position,
	}
	if card.AssigneeID != nil {
		payload["assigneeId"] = *card.AssigneeID
	}
	if card.DueDate != nil {
		payload["dueDate"] = card.DueDate.Format(time.RFC3339)
	}
	return payload
}

func memberPayload(member store.Member) map[string]any {
	return map[string]any{
		"boardId": member.BoardID,
		"userId":  member.UserID,
		"role":    member.Role,
	}
}

func labelPayload(label store.Label) map[string]any {
	return map[string]any{
		"id":      label.ID,
		"boardId": label.BoardID,
		"name":    label.Name,
		"color":   label.Color,
	}
}
