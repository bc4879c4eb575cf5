package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, exp, err := Issue("stu-1", RoleStudent, "classattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry %v is not in the future", exp)
	}

	claims, err := Parse(token, "secret", "classattend")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "stu-1" || claims.Role != RoleStudent {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	token, _, err := Issue("stu-1", RoleStudent, "classattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := Parse(token, "wrong-key", "classattend"); err == nil {
		t.Fatal("wrong key accepted")
	}
	if _, err := Parse(token, "secret", "someone-else"); err == nil {
		t.Fatal("issuer mismatch accepted")
	}

	expired, _, err := Issue("stu-1", RoleStudent, "classattend", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(expired, "secret", "classattend"); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestRoleTiers(t *testing.T) {
	for _, role := range []string{RoleStaff, RoleHOD, RoleAdmin, RoleSuperAdmin} {
		if !StaffRole(role) {
			t.Errorf("StaffRole(%q) = false", role)
		}
	}
	if StaffRole(RoleStudent) || StaffRole("") {
		t.Error("non-staff role classified as staff")
	}
	if !AdminTier(RoleAdmin) || !AdminTier(RoleSuperAdmin) {
		t.Error("admin tier not recognized")
	}
	if AdminTier(RoleStaff) || AdminTier(RoleHOD) {
		t.Error("non-admin role granted admin tier")
	}
}
