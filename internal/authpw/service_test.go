package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"corkboard/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]store.User)}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: "Ada@Example.com", Password: "hunter2hunter2", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if user.PasswordHash == "hunter2hunter2" {
		t.Fatal("password stored in plaintext")
	}

	got, err := svc.SignIn(ctx, "ada@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("signin returned wrong user: %q", got.ID)
	}

	if _, err := svc.SignIn(ctx, "ada@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "short", DisplayName: "A"}); err == nil {
		t.Fatal("expected short password to be rejected")
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "", Password: "hunter2hunter2", DisplayName: "A"}); err == nil {
		t.Fatal("expected missing email to be rejected")
	}

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "hunter2hunter2", DisplayName: "A"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@b.c", Password: "hunter2hunter2", DisplayName: "A"}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}
