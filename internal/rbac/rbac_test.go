package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleOwner, ActionDelete, true},
		{RoleOwner, ActionAdmin, true},
		{RoleAdmin, ActionDelete, false},
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionWrite, true},
		{RoleMember, ActionWrite, true},
		{RoleMember, ActionAdmin, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionWrite, false},
		{RoleNone, ActionRead, false},
	}
	for _, c := range cases {
		if got := Can(c.role, c.action); got != c.want {
			t.Errorf("Can(%q, %q) = %v, want %v", c.role, c.action, got, c.want)
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast(RoleOwner, RoleAdmin) {
		t.Fatal("owner must imply admin")
	}
	if AtLeast(RoleViewer, RoleMember) {
		t.Fatal("viewer must not imply member")
	}
	if AtLeast(RoleNone, RoleViewer) {
		t.Fatal("no role must not imply viewer")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("member") != RoleMember {
		t.Fatal("member should survive normalize")
	}
	if Normalize("owner") != RoleViewer {
		t.Fatal("owner is derived, never stored; unknown strings fall back to viewer")
	}
	if Normalize("superuser") != RoleViewer {
		t.Fatal("unknown role should fall back to viewer")
	}
}
