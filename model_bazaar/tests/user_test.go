package tests

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	for i := 0; i < 5; i++ {
		username := fmt.Sprintf("user%d", i)
		email := fmt.Sprintf("user%d@mail.com", i)
		password := fmt.Sprintf("user%d_password", i)

		client := env.newClient()
		login, err := client.signup(username, email, password)
		if err != nil {
			t.Fatal(err)
		}

		_, err = client.signup(username, email, password)
		if err == nil {
			t.Fatal("duplicate signup should fail")
		}

		err = client.login(loginInfo{Email: "user@mail.com", Password: password})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("login should fail with wrong email: %v", err)
		}

		err = client.login(loginInfo{Email: email, Password: "password"})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("login should fail with wrong password: %v", err)
		}

		err = client.login(login)
		if err != nil {
			t.Fatal(err)
		}

		info, err := client.userInfo()
		if err != nil {
			t.Fatal(err)
		}

		if info.Name != username || info.Email != email || info.Id.String() != client.userId || info.Admin {
			t.Fatalf("invalid info %v", info)
		}
	}
}

func TestUserInfo(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	info, err := admin.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != adminUsername || info.Email != adminEmail || info.Id.String() != admin.userId || !info.Admin {
		t.Fatalf("invalid admin info %v", info)
	}

	client := env.newClient()
	login, err := client.signup("abc", "abc@mail.com", "abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.userInfo()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected unauthorized error")
	}

	err = client.login(login)
	if err != nil {
		t.Fatal(err)
	}

	team, err := admin.createTeam("green")
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.addUserToTeam(team, client.userId); err != nil {
		t.Fatal(err)
	}

	info, err = client.userInfo()
	if err != nil {
		t.Fatal(err)
	}

	if info.Name != "abc" || info.Email != "abc@mail.com" || info.Id.String() != client.userId || info.Admin {
		t.Fatalf("invalid user info %v", info)
	}
	if len(info.Teams) != 1 || info.Teams[0].TeamId.String() != team || info.Teams[0].TeamName != "green" || info.Teams[0].IsTeamAdmin {
		t.Fatalf("invalid user teams %v", info.Teams)
	}
}

func TestListUsers(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user1, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 3 {
		t.Fatal("expected 3 users for admin list")
	}
	// Ordered by username.
	if users[0].Name != "abc" || users[1].Name != adminUsername || users[2].Name != "xyz" {
		t.Fatalf("invalid admin user list %v", users)
	}

	_, err = user1.listUsers()
	if statusCode(err) != http.StatusForbidden {
		t.Fatalf("only admins can list users: %v", err)
	}

	client := env.newClient()
	_, err = client.listUsers()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected unauthorized error")
	}
}

func checkAdminStatus(c client, t *testing.T, isAdmin bool) {
	info, err := c.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Admin != isAdmin {
		t.Fatalf("expected IsAdmin to be %v, got %v", isAdmin, info.Admin)
	}
}

func TestPromoteDemoteAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user1, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	user2, err := env.newUser("xyz")
	if err != nil {
		t.Fatal(err)
	}

	err = user1.promoteAdmin(user1.userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("users can't promote admins")
	}

	err = user1.promoteAdmin(user2.userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("users can't promote admins")
	}

	checkAdminStatus(admin, t, true)
	checkAdminStatus(user1, t, false)
	checkAdminStatus(user2, t, false)

	err = admin.promoteAdmin(user1.userId)
	if err != nil {
		t.Fatalf("admin should be able to promote admin: %v", err)
	}

	checkAdminStatus(admin, t, true)
	checkAdminStatus(user1, t, true)
	checkAdminStatus(user2, t, false)

	err = user1.promoteAdmin(user2.userId)
	if err != nil {
		t.Fatal("new admin should be able to promote admin")
	}

	checkAdminStatus(user2, t, true)

	err = admin.demoteAdmin(user1.userId)
	if err != nil {
		t.Fatalf("admin should be demoted %v", err)
	}

	checkAdminStatus(admin, t, true)
	checkAdminStatus(user1, t, false)
	checkAdminStatus(user2, t, true)

	err = user1.demoteAdmin(user2.userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("non admin cannot demote admin")
	}

	if err := admin.demoteAdmin(user2.userId); err != nil {
		t.Fatal(err)
	}

	err = admin.demoteAdmin(admin.userId)
	if statusCode(err) != http.StatusConflict {
		t.Fatalf("the last admin cannot be demoted: %v", err)
	}
	checkAdminStatus(admin, t, true)
}

func TestAuditLogRecordsRequests(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("audited")
	if err != nil {
		t.Fatal(err)
	}
	env.auditLog.Reset()

	if _, err := client.listModels(); err != nil {
		t.Fatal(err)
	}

	var entry struct {
		Method    string            `json:"method"`
		Status    int               `json:"status"`
		Principal map[string]string `json:"principal"`
	}
	if err := json.Unmarshal(env.auditLog.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single audit entry: %v", err)
	}
	if entry.Method != http.MethodGet || entry.Status != http.StatusOK {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.Principal["kind"] != "user" || entry.Principal["username"] != "audited" || entry.Principal["user_id"] != client.userId {
		t.Fatalf("audit entry has wrong principal %v", entry.Principal)
	}
}
