package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/im7mortal/kmutex"
	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/auth"
	"corkboard/api/internal/authpw"
	"corkboard/api/internal/config"
	"corkboard/api/internal/position"
	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	InsertBoard(ctx context.Context, board store.Board) error
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	ListBoardsForUser(ctx context.Context, userID string, includePublic bool) ([]store.Board, error)
	UpdateBoard(ctx context.Context, board store.Board, actorID string) (int64, error)
	DeleteBoard(ctx context.Context, boardID string) error

	GetMemberRole(ctx context.Context, boardID, userID string) (string, error)
	ListMembers(ctx context.Context, boardID string) ([]store.Member, error)
	CountAdmins(ctx context.Context, boardID string) (int, error)
	UpsertMember(ctx context.Context, member store.Member, actorID string) (int64, error)
	RemoveMember(ctx context.Context, boardID, userID, actorID string) (int64, error)

	ListsByBoard(ctx context.Context, boardID string) ([]store.List, error)
	GetList(ctx context.Context, listID string) (store.List, error)
	InsertList(ctx context.Context, item store.List, actorID string) (store.List, int64, error)
	UpdateListTitle(ctx context.Context, boardID, listID, title, actorID string) (int64, error)
	ApplyListReorder(ctx context.Context, in store.ListReorder) (int64, error)
	DeleteListAndCompact(ctx context.Context, boardID, listID string, shifts []position.Shift, actorID string) (int64, error)

	CardsByList(ctx context.Context, listID string) ([]store.Card, error)
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	InsertCard(ctx context.Context, boardID string, item store.Card, actorID string) (store.Card, int64, error)
	UpdateCardFields(ctx context.Context, boardID string, item store.Card, actorID string) (int64, error)
	ApplyCardReorder(ctx context.Context, in store.CardReorder) (int64, error)
	ApplyCardMove(ctx context.Context, in store.CardMove) (int64, int64, error)
	DeleteCardAndCompact(ctx context.Context, boardID, listID, cardID string, shifts []position.Shift, actorID string) (int64, error)

	InsertLabel(ctx context.Context, label store.Label) error
	GetLabel(ctx context.Context, labelID string) (store.Label, error)
	ListLabels(ctx context.Context, boardID string) ([]store.Label, error)
	DeleteLabel(ctx context.Context, labelID string) error
	AttachLabel(ctx context.Context, boardID, cardID, labelID, actorID string) (int64, error)
	DetachLabel(ctx context.Context, boardID, cardID, labelID, actorID string) (int64, error)
	ListCardLabelIDs(ctx context.Context, cardID string) ([]string, error)

	InsertComment(ctx context.Context, boardID string, comment store.Comment) (int64, error)
	ListComments(ctx context.Context, cardID string) ([]store.Comment, error)

	ListActivity(ctx context.Context, boardID string, limit int) ([]store.Activity, error)

	Ping(ctx context.Context) error
}

// RefreshStore is satisfied by the redis session store and, as the fallback,
// by the postgres store itself.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type eventSink interface {
	Publish(ctx context.Context, ev realtime.Event)
}

type Service struct {
	cfg       config.Config
	logger    *log.Logger
	store     dataStore
	sessions  RefreshStore
	passwords *authpw.Service
	events    eventSink
	registry  *realtime.Registry
	scopes    *kmutex.Kmutex
}

func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	sessions RefreshStore,
	passwords *authpw.Service,
	registry *realtime.Registry,
	events eventSink,
	logger *log.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		logger:    logger,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		events:    events,
		registry:  registry,
		scopes:    kmutex.New(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Registry() *realtime.Registry {
	return s.registry
}

// ── Sessions ──

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	// Rotate: one refresh token is good for one refresh.
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// ── Access gate ──

// BoardRole resolves the viewer's effective role on a board. The owner is
// derived from boards.owner_id and outranks any membership row; a public board
// grants viewer-equivalent read to anyone authenticated.
func (s *Service) BoardRole(ctx context.Context, boardID, userID string) (store.Board, rbac.Role, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, rbac.RoleNone, err
	}
	if board.OwnerID == userID {
		return board, rbac.RoleOwner, nil
	}
	stored, err := s.store.GetMemberRole(ctx, boardID, userID)
	if err != nil {
		return store.Board{}, rbac.RoleNone, err
	}
	if stored != "" {
		return board, rbac.Normalize(stored), nil
	}
	if board.IsPublic {
		return board, rbac.RoleViewer, nil
	}
	return board, rbac.RoleNone, nil
}

func (s *Service) authorizeBoard(ctx context.Context, boardID, userID string, action rbac.Action) (store.Board, rbac.Role, error) {
	board, role, err := s.BoardRole(ctx, boardID, userID)
	if err != nil {
		return store.Board{}, rbac.RoleNone, err
	}
	if !rbac.Can(role, action) {
		return store.Board{}, role, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return board, role, nil
}

// ── Scope locks ──

func scopeBoard(boardID string) string { return "board:" + boardID }
func scopeList(listID string) string   { return "list:" + listID }

var errScopeContended = domainError(http.StatusConflict, "CONFLICT", "Scope is busy, retry the operation", nil)

// lockScopes serializes the read-compute-write reorder cycle per scope. Keys
// are taken in sorted order so two moves crossing the same pair of lists in
// opposite directions cannot deadlock.
func (s *Service) lockScopes(ctx context.Context, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if !s.lockScope(ctx, key) {
			for i := len(held) - 1; i >= 0; i-- {
				s.scopes.Unlock(held[i])
			}
			return nil, errScopeContended
		}
		held = append(held, key)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.scopes.Unlock(held[i])
		}
	}, nil
}

// lockScope waits at most cfg.ScopeLockWait for the keyed lock. A lock that
// arrives after the deadline is released again by the drain goroutine.
func (s *Service) lockScope(ctx context.Context, key string) bool {
	acquired := make(chan struct{})
	go func() {
		s.scopes.Lock(key)
		close(acquired)
	}()

	timer := time.NewTimer(s.cfg.ScopeLockWait)
	defer timer.Stop()
	select {
	case <-acquired:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	go func() {
		<-acquired
		s.scopes.Unlock(key)
	}()
	return false
}

func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	ev.Timestamp = time.Now().UTC()
	s.events.Publish(ctx, ev)
}
