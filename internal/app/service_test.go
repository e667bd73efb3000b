package app

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/authpw"
	"corkboard/api/internal/config"
	"corkboard/api/internal/position"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
)

// memStore is an in-memory stand-in for the postgres store. It applies the
// same range shifts the SQL layer would, so ordering semantics can be tested
// without a database.
type memStore struct {
	mu           sync.Mutex
	users        map[string]store.User
	usersByEmail map[string]string
	boards       map[string]*store.Board
	members      map[string]map[string]string
	lists        map[string]*store.List
	cards        map[string]*store.Card
	labels       map[string]store.Label
	cardLabels   map[string]map[string]bool
	comments     map[string][]store.Comment
	activity     map[string][]store.Activity
	refresh      map[string]refreshRecord

	getBoardFn func(ctx context.Context, boardID string) (store.Board, error)
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[string]store.User),
		usersByEmail: make(map[string]string),
		boards:       make(map[string]*store.Board),
		members:      make(map[string]map[string]string),
		lists:        make(map[string]*store.List),
		cards:        make(map[string]*store.Card),
		labels:       make(map[string]store.Label),
		cardLabels:   make(map[string]map[string]bool),
		comments:     make(map[string][]store.Comment),
		activity:     make(map[string][]store.Activity),
		refresh:      make(map[string]refreshRecord),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

// ── users ──

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	m.usersByEmail[user.Email] = user.ID
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usersByEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.users[id], nil
}

// ── refresh sessions ──

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return m.users[record.userID], nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

// ── boards ──

func (m *memStore) InsertBoard(_ context.Context, board store.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := board
	m.boards[board.ID] = &copied
	return nil
}

func (m *memStore) GetBoard(ctx context.Context, boardID string) (store.Board, error) {
	if m.getBoardFn != nil {
		return m.getBoardFn(ctx, boardID)
	}
	return m.getBoard(boardID)
}

func (m *memStore) getBoard(boardID string) (store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return *board, nil
}

func (m *memStore) ListBoardsForUser(_ context.Context, userID string, includePublic bool) ([]store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Board, 0)
	for _, board := range m.boards {
		member := m.members[board.ID][userID] != ""
		if board.OwnerID == userID || member || (includePublic && board.IsPublic) {
			items = append(items, *board)
		}
	}
	return items, nil
}

func (m *memStore) UpdateBoard(_ context.Context, board store.Board, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.boards[board.ID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	existing.Name = board.Name
	existing.Description = board.Description
	existing.IsPublic = board.IsPublic
	return m.bumpSeqLocked(board.ID)
}

func (m *memStore) DeleteBoard(_ context.Context, boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[boardID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.boards, boardID)
	return nil
}

// ── members ──

func (m *memStore) GetMemberRole(_ context.Context, boardID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[boardID][userID], nil
}

func (m *memStore) ListMembers(_ context.Context, boardID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Member, 0)
	for userID, role := range m.members[boardID] {
		items = append(items, store.Member{BoardID: boardID, UserID: userID, Role: role})
	}
	return items, nil
}

func (m *memStore) CountAdmins(_ context.Context, boardID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, role := range m.members[boardID] {
		if role == "admin" {
			count++
		}
	}
	return count, nil
}

func (m *memStore) UpsertMember(_ context.Context, member store.Member, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[member.BoardID] == nil {
		m.members[member.BoardID] = make(map[string]string)
	}
	m.members[member.BoardID][member.UserID] = member.Role
	return m.bumpSeqLocked(member.BoardID)
}

func (m *memStore) RemoveMember(_ context.Context, boardID, userID, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[boardID][userID] == "" {
		return 0, sql.ErrNoRows
	}
	delete(m.members[boardID], userID)
	return m.bumpSeqLocked(boardID)
}

// ── lists ──

func (m *memStore) ListsByBoard(_ context.Context, boardID string) ([]store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.List, 0)
	for _, list := range m.lists {
		if list.BoardID == boardID {
			items = append(items, *list)
		}
	}
	return items, nil
}

func (m *memStore) GetList(_ context.Context, listID string) (store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.lists[listID]
	if !ok {
		return store.List{}, sql.ErrNoRows
	}
	return *list, nil
}

func (m *memStore) InsertList(_ context.Context, item store.List, _ string) (store.List, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, list := range m.lists {
		if list.BoardID == item.BoardID && list.Position > max {
			max = list.Position
		}
	}
	item.Position = max + 1
	copied := item
	m.lists[item.ID] = &copied
	seq, err := m.bumpSeqLocked(item.BoardID)
	return item, seq, err
}

func (m *memStore) UpdateListTitle(_ context.Context, boardID, listID, title, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.lists[listID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	list.Title = title
	return m.bumpSeqLocked(boardID)
}

func (m *memStore) ApplyListReorder(_ context.Context, in store.ListReorder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.lists[in.ListID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	m.shiftListsLocked(in.BoardID, in.Shifts)
	list.Position = in.NewPosition
	return m.bumpSeqLocked(in.BoardID)
}

func (m *memStore) DeleteListAndCompact(_ context.Context, boardID, listID string, shifts []position.Shift, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return 0, sql.ErrNoRows
	}
	delete(m.lists, listID)
	for id, card := range m.cards {
		if card.ListID == listID {
			delete(m.cards, id)
		}
	}
	m.shiftListsLocked(boardID, shifts)
	return m.bumpSeqLocked(boardID)
}

// ── cards ──

func (m *memStore) CardsByList(_ context.Context, listID string) ([]store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Card, 0)
	for _, card := range m.cards {
		if card.ListID == listID {
			items = append(items, *card)
		}
	}
	return items, nil
}

func (m *memStore) GetCard(_ context.Context, cardID string) (store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	return *card, nil
}

func (m *memStore) InsertCard(_ context.Context, boardID string, item store.Card, _ string) (store.Card, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, card := range m.cards {
		if card.ListID == item.ListID && card.Position > max {
			max = card.Position
		}
	}
	item.Position = max + 1
	copied := item
	m.cards[item.ID] = &copied
	seq, err := m.bumpSeqLocked(boardID)
	return item, seq, err
}

func (m *memStore) UpdateCardFields(_ context.Context, boardID string, item store.Card, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[item.ID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	card.Title = item.Title
	card.Description = item.Description
	card.AssigneeID = item.AssigneeID
	card.DueDate = item.DueDate
	return m.bumpSeqLocked(boardID)
}

func (m *memStore) ApplyCardReorder(_ context.Context, in store.CardReorder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[in.CardID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	m.shiftCardsLocked(in.ListID, in.Shifts)
	card.Position = in.NewPosition
	return m.bumpSeqLocked(in.BoardID)
}

func (m *memStore) ApplyCardMove(_ context.Context, in store.CardMove) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[in.CardID]
	if !ok {
		return 0, 0, sql.ErrNoRows
	}
	m.shiftCardsLocked(in.SourceListID, in.SourceShifts)
	m.shiftCardsLocked(in.DestListID, in.DestShifts)
	card.ListID = in.DestListID
	card.Position = in.NewPosition
	srcSeq, err := m.bumpSeqLocked(in.SourceBoardID)
	if err != nil {
		return 0, 0, err
	}
	if in.DestBoardID == in.SourceBoardID {
		return srcSeq, srcSeq, nil
	}
	dstSeq, err := m.bumpSeqLocked(in.DestBoardID)
	if err != nil {
		return 0, 0, err
	}
	return srcSeq, dstSeq, nil
}

func (m *memStore) DeleteCardAndCompact(_ context.Context, boardID, listID, cardID string, shifts []position.Shift, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[cardID]; !ok {
		return 0, sql.ErrNoRows
	}
	delete(m.cards, cardID)
	m.shiftCardsLocked(listID, shifts)
	return m.bumpSeqLocked(boardID)
}

// ── labels ──

func (m *memStore) InsertLabel(_ context.Context, label store.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[label.ID] = label
	return nil
}

func (m *memStore) GetLabel(_ context.Context, labelID string) (store.Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label, ok := m.labels[labelID]
	if !ok {
		return store.Label{}, sql.ErrNoRows
	}
	return label, nil
}

func (m *memStore) ListLabels(_ context.Context, boardID string) ([]store.Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Label, 0)
	for _, label := range m.labels {
		if label.BoardID == boardID {
			items = append(items, label)
		}
	}
	return items, nil
}

func (m *memStore) DeleteLabel(_ context.Context, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labels[labelID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.labels, labelID)
	return nil
}

func (m *memStore) AttachLabel(_ context.Context, boardID, cardID, labelID, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cardLabels[cardID] == nil {
		m.cardLabels[cardID] = make(map[string]bool)
	}
	m.cardLabels[cardID][labelID] = true
	return m.bumpSeqLocked(boardID)
}

func (m *memStore) DetachLabel(_ context.Context, boardID, cardID, labelID, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cardLabels[cardID][labelID] {
		return 0, sql.ErrNoRows
	}
	delete(m.cardLabels[cardID], labelID)
	return m.bumpSeqLocked(boardID)
}

func (m *memStore) ListCardLabelIDs(_ context.Context, cardID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id := range m.cardLabels[cardID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// ── comments / activity ──

func (m *memStore) InsertComment(_ context.Context, boardID string, comment store.Comment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[comment.CardID] = append(m.comments[comment.CardID], comment)
	return m.bumpSeqLocked(boardID)
}

func (m *memStore) ListComments(_ context.Context, cardID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Comment(nil), m.comments[cardID]...), nil
}

func (m *memStore) ListActivity(_ context.Context, boardID string, _ int) ([]store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Activity(nil), m.activity[boardID]...), nil
}

// ── internals ──

func (m *memStore) bumpSeqLocked(boardID string) (int64, error) {
	board, ok := m.boards[boardID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	board.CommitSeq++
	return board.CommitSeq, nil
}

func (m *memStore) shiftListsLocked(boardID string, shifts []position.Shift) {
	for _, shift := range shifts {
		for _, list := range m.lists {
			if list.BoardID == boardID && list.Position >= shift.Lo && list.Position <= shift.Hi {
				list.Position += shift.By
			}
		}
	}
}

func (m *memStore) shiftCardsLocked(listID string, shifts []position.Shift) {
	for _, shift := range shifts {
		for _, card := range m.cards {
			if card.ListID == listID && card.Position >= shift.Lo && card.Position <= shift.Hi {
				card.Position += shift.By
			}
		}
	}
}

// eventRecorder captures published events instead of fanning them out.
type eventRecorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Event, len(r.events))
	copy(out, r.events)
	return out
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		ScopeLockWait: 200 * time.Millisecond,
		EventBuffer:   16,
		PingInterval:  30 * time.Second,
		PongWait:      60 * time.Second,
		CORSOrigin:    "*",
	}
}

func newTestService(db *memStore, sink eventSink) *Service {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return &Service{
		cfg:       testConfig(),
		logger:    logger,
		store:     db,
		sessions:  db,
		passwords: authpw.NewService(db),
		events:    sink,
		registry:  realtime.NewRegistry(),
		scopes:    kmutex.New(),
	}
}
