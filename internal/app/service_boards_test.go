package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"

	"corkboard/api/internal/auth"
	"corkboard/api/internal/authpw"
	"corkboard/api/internal/rbac"
	"corkboard/api/internal/realtime"
)

func TestSignUpSignInRefresh(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()

	session, err := svc.SignUp(ctx, authpw.SignUpRequest{
		Email:       "ada@example.com",
		Password:    "correct horse",
		DisplayName: "Ada",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("signup issued an empty session")
	}

	if _, err := svc.SignIn(ctx, "ada@example.com", "wrong"); !errors.Is(err, authpw.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "ada@example.com", "correct horse"); err != nil {
		t.Fatalf("signin: %v", err)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.UserID != session.UserID {
		t.Fatalf("refresh switched users: %s vs %s", rotated.UserID, session.UserID)
	}
	// Rotation: the spent token must not refresh twice.
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token on reuse, got %v", err)
	}
}

func TestSessionFromTokenRoundTrip(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()

	issued, err := svc.SignUp(ctx, authpw.SignUpRequest{
		Email:       "ada@example.com",
		Password:    "correct horse",
		DisplayName: "Ada",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	session, err := svc.SessionFromToken(ctx, issued.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if session.UserID != issued.UserID || session.UserName != "Ada" {
		t.Fatalf("unexpected session %+v", session)
	}
	if _, err := svc.SessionFromToken(ctx, "not-a-token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestBoardRoleResolution(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()
	owner := seedUser(db, "usr_owner", "Owner")
	member := seedUser(db, "usr_member", "Member")
	stranger := seedUser(db, "usr_other", "Other")
	seedBoard(db, "brd_private", owner.UserID, false)
	seedBoard(db, "brd_public", owner.UserID, true)
	seedMember(db, "brd_private", member.UserID, "member")

	cases := []struct {
		name    string
		boardID string
		userID  string
		want    rbac.Role
	}{
		{"owner outranks everything", "brd_private", owner.UserID, rbac.RoleOwner},
		{"membership row applies", "brd_private", member.UserID, rbac.RoleMember},
		{"private board hides from strangers", "brd_private", stranger.UserID, rbac.RoleNone},
		{"public board reads as viewer", "brd_public", stranger.UserID, rbac.RoleViewer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, role, err := svc.BoardRole(ctx, tc.boardID, tc.userID)
			if err != nil {
				t.Fatalf("role: %v", err)
			}
			if role != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, role)
			}
		})
	}

	if _, _, err := svc.BoardRole(ctx, "brd_missing", owner.UserID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows for a missing board, got %v", err)
	}
}

func TestOwnerCannotBeRemoved(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	owner := seedUser(db, "usr_owner", "Owner")
	admin := seedUser(db, "usr_admin", "Admin")
	seedBoard(db, "brd_1", owner.UserID, false)
	seedMember(db, "brd_1", admin.UserID, "admin")

	err := svc.RemoveMember(context.Background(), admin, "brd_1", owner.UserID)
	wantDomainStatus(t, err, http.StatusForbidden)

	_, err = svc.UpdateMemberRole(context.Background(), admin, "brd_1", owner.UserID, "viewer")
	wantDomainStatus(t, err, http.StatusForbidden)
}

func TestLastAdminGuard(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()
	owner := seedUser(db, "usr_owner", "Owner")
	first := seedUser(db, "usr_a", "First")
	second := seedUser(db, "usr_b", "Second")
	seedBoard(db, "brd_1", owner.UserID, false)
	seedMember(db, "brd_1", first.UserID, "admin")

	err := svc.RemoveMember(ctx, owner, "brd_1", first.UserID)
	wantDomainStatus(t, err, http.StatusForbidden)
	_, err = svc.UpdateMemberRole(ctx, owner, "brd_1", first.UserID, "member")
	wantDomainStatus(t, err, http.StatusForbidden)

	// A second admin makes both operations legal again.
	if _, err := svc.AddMember(ctx, owner, "brd_1", second.UserID, "admin"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if _, err := svc.UpdateMemberRole(ctx, owner, "brd_1", first.UserID, "member"); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if err := svc.RemoveMember(ctx, owner, "brd_1", second.UserID); err == nil {
		t.Fatal("removing the admin that became the last one should fail")
	}
}

func TestMemberCanLeaveBoard(t *testing.T) {
	db := newMemStore()
	sink := &eventRecorder{}
	svc := newTestService(db, sink)
	owner := seedUser(db, "usr_owner", "Owner")
	member := seedUser(db, "usr_member", "Member")
	seedBoard(db, "brd_1", owner.UserID, false)
	seedMember(db, "brd_1", member.UserID, "member")

	if err := svc.RemoveMember(context.Background(), member, "brd_1", member.UserID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if role := db.members["brd_1"][member.UserID]; role != "" {
		t.Fatalf("membership row survived: %q", role)
	}
	events := sink.all()
	if len(events) != 1 || events[0].Kind != realtime.KindMemberRemoved {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestAddMemberValidation(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()
	owner := seedUser(db, "usr_owner", "Owner")
	member := seedUser(db, "usr_member", "Member")
	seedBoard(db, "brd_1", owner.UserID, false)

	_, err := svc.AddMember(ctx, owner, "brd_1", member.UserID, "superuser")
	wantDomainStatus(t, err, http.StatusUnprocessableEntity)

	if _, err := svc.AddMember(ctx, owner, "brd_1", "usr_missing", "member"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows for an unknown user, got %v", err)
	}

	// Members cannot manage membership.
	seedMember(db, "brd_1", member.UserID, "member")
	other := seedUser(db, "usr_other", "Other")
	_, err = svc.AddMember(ctx, member, "brd_1", other.UserID, "viewer")
	wantDomainStatus(t, err, http.StatusForbidden)
}

func TestAttachLabelRejectsForeignBoard(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()
	owner := seedUser(db, "usr_owner", "Owner")
	seedBoard(db, "brd_1", owner.UserID, false)
	seedBoard(db, "brd_2", owner.UserID, false)
	seedList(db, "lst_1", "brd_1", 1)
	seedCard(db, "crd_1", "lst_1", 1)

	if _, err := svc.CreateLabel(ctx, owner, "brd_2", "Urgent", "#ff0000"); err != nil {
		t.Fatalf("create label: %v", err)
	}
	var labelID string
	for id := range db.labels {
		labelID = id
	}

	_, err := svc.AttachLabel(ctx, owner, "crd_1", labelID)
	wantDomainStatus(t, err, http.StatusUnprocessableEntity)
}

func TestDeleteBoardIsOwnerOnly(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	ctx := context.Background()
	owner := seedUser(db, "usr_owner", "Owner")
	admin := seedUser(db, "usr_admin", "Admin")
	seedBoard(db, "brd_1", owner.UserID, false)
	seedMember(db, "brd_1", admin.UserID, "admin")

	err := svc.DeleteBoard(ctx, admin, "brd_1")
	wantDomainStatus(t, err, http.StatusForbidden)
	if err := svc.DeleteBoard(ctx, owner, "brd_1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, ok := db.boards["brd_1"]; ok {
		t.Fatal("board survived deletion")
	}
}

func TestCreateBoardRequiresName(t *testing.T) {
	db := newMemStore()
	svc := newTestService(db, &eventRecorder{})
	owner := seedUser(db, "usr_owner", "Owner")

	_, err := svc.CreateBoard(context.Background(), owner, "   ", "", false)
	wantDomainStatus(t, err, http.StatusUnprocessableEntity)

	payload, err := svc.CreateBoard(context.Background(), owner, "Launch plan", "Q4", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if payload["name"] != "Launch plan" || payload["ownerId"] != owner.UserID {
		t.Fatalf("unexpected payload %v", payload)
	}
}
