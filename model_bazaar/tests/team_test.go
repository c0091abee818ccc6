package tests

import (
	"fmt"
	"net/http"
	"sort"
	"testing"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/services"
)

func sortUserTeamList(teams []services.UserTeamInfo) {
	sort.Slice(teams, func(i, j int) bool {
		return teams[i].TeamName < teams[j].TeamName
	})
}

func TestCreateDeleteTeams(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("123")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.createTeam("000")
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("users cannot create teams")
	}

	team1, err := admin.createTeam("abc")
	if err != nil {
		t.Fatal(err)
	}

	team2, err := admin.createTeam("xyz")
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.createTeam("xyz")
	if statusCode(err) != http.StatusConflict {
		t.Fatalf("team names must be unique: %v", err)
	}

	teams, err := admin.listTeams()
	if err != nil {
		t.Fatal(err)
	}

	if len(teams) != 2 {
		t.Fatal("expected 2 teams")
	}

	if teams[0].Id.String() != team1 || teams[0].Name != "abc" || teams[1].Id.String() != team2 || teams[1].Name != "xyz" {
		t.Fatal("team info wrong")
	}

	err = admin.deleteTeam(team1)
	if err != nil {
		t.Fatal(err)
	}

	err = user.deleteTeam(team2)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("users cannot delete teams")
	}

	teams, err = admin.listTeams()
	if err != nil {
		t.Fatal(err)
	}

	if len(teams) != 1 {
		t.Fatal("expected 1 team")
	}

	if teams[0].Id.String() != team2 || teams[0].Name != "xyz" {
		t.Fatal("team info wrong")
	}

	err = admin.deleteTeam(team1)
	if statusCode(err) != http.StatusNotFound {
		t.Fatalf("team was already deleted: %v", err)
	}
}

func TestAddRemoveTeamUsers(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	users := make([]client, 0)
	for i := 0; i < 3; i++ {
		user, err := env.newUser(fmt.Sprintf("%d%d%d", i, i, i))
		if err != nil {
			t.Fatal(err)
		}
		users = append(users, user)
	}

	team1, err := admin.createTeam("abc")
	if err != nil {
		t.Fatal(err)
	}

	team2, err := admin.createTeam("xyz")
	if err != nil {
		t.Fatal(err)
	}

	err = admin.addUserToTeam(team1, users[0].userId)
	if err != nil {
		t.Fatal(err)
	}
	err = admin.addUserToTeam(team2, users[1].userId)
	if err != nil {
		t.Fatal(err)
	}

	err = users[1].addUserToTeam(team2, users[0].userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("users cannot add to team")
	}

	info, err := users[0].userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Teams) != 1 || info.Teams[0].TeamId.String() != team1 || info.Teams[0].TeamName != "abc" || info.Teams[0].IsTeamAdmin {
		t.Fatal("invalid team info")
	}

	err = admin.addUserToTeam(team2, users[0].userId)
	if err != nil {
		t.Fatal(err)
	}

	err = users[1].removeUserFromTeam(team2, users[0].userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal(err)
	}

	err = admin.removeUserFromTeam(team2, users[1].userId)
	if err != nil {
		t.Fatal(err)
	}

	err = admin.removeUserFromTeam(team2, users[2].userId)
	if statusCode(err) != http.StatusNotFound {
		t.Fatalf("user is not a member of the team: %v", err)
	}

	info, err = users[0].userInfo()
	if err != nil {
		t.Fatal(err)
	}
	sortUserTeamList(info.Teams)
	if len(info.Teams) != 2 || info.Teams[0].TeamId.String() != team1 || info.Teams[0].TeamName != "abc" || info.Teams[0].IsTeamAdmin ||
		info.Teams[1].TeamId.String() != team2 || info.Teams[1].TeamName != "xyz" || info.Teams[1].IsTeamAdmin {
		t.Fatal("invalid team info")
	}

	info, err = users[1].userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Teams) != 0 {
		t.Fatal("invalid team info")
	}
}

func TestTeamAdmins(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	team, err := admin.createTeam("abc")
	if err != nil {
		t.Fatal(err)
	}

	teamAdmin, err := env.newUser("team_admin")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("member")
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.addTeamAdmin(team, teamAdmin.userId); err != nil {
		t.Fatal(err)
	}

	err = member.addUserToTeam(team, member.userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("only team admins can add users")
	}

	if err := teamAdmin.addUserToTeam(team, member.userId); err != nil {
		t.Fatal(err)
	}

	users, err := teamAdmin.listTeamUsers(team)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 team users, got %v", users)
	}
	for _, user := range users {
		if user.TeamAdmin != (user.UserId.String() == teamAdmin.userId) {
			t.Fatalf("invalid team admin flag %v", user)
		}
	}

	_, err = member.listTeamUsers(team)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("members cannot list team users")
	}

	if err := teamAdmin.addTeamAdmin(team, member.userId); err != nil {
		t.Fatal(err)
	}

	info, err := member.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Teams) != 1 || !info.Teams[0].IsTeamAdmin {
		t.Fatalf("expected member to be team admin %v", info.Teams)
	}

	if err := admin.removeTeamAdmin(team, member.userId); err != nil {
		t.Fatal(err)
	}

	info, err = member.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Teams) != 1 || info.Teams[0].IsTeamAdmin {
		t.Fatalf("team admin should be removed but user stays in the team %v", info.Teams)
	}

	other, err := admin.createTeam("xyz")
	if err != nil {
		t.Fatal(err)
	}
	err = teamAdmin.addUserToTeam(other, member.userId)
	if statusCode(err) != http.StatusForbidden {
		t.Fatal("team admins can only manage their own team")
	}
}

func TestListTeams(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	team1, err := admin.createTeam("team1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = admin.createTeam("team2")
	if err != nil {
		t.Fatal(err)
	}

	teams, err := user.listTeams()
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 0 {
		t.Fatalf("user is not in any team %v", teams)
	}

	if err := admin.addUserToTeam(team1, user.userId); err != nil {
		t.Fatal(err)
	}

	teams, err = user.listTeams()
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 1 || teams[0].Id.String() != team1 {
		t.Fatalf("invalid team list %v", teams)
	}

	teams, err = admin.listTeams()
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 2 {
		t.Fatalf("admin should see all teams %v", teams)
	}
}

func TestDeleteTeamMakesModelsPrivate(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	team, err := admin.createTeam("abc")
	if err != nil {
		t.Fatal(err)
	}

	owner, err := env.newUser("owner")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newUser("member")
	if err != nil {
		t.Fatal(err)
	}
	for _, user := range []client{owner, member} {
		if err := admin.addUserToTeam(team, user.userId); err != nil {
			t.Fatal(err)
		}
	}

	model, err := owner.createModel(modelArgs{name: "model", access: schema.Protected, teamId: team})
	if err != nil {
		t.Fatal(err)
	}

	models, err := admin.listTeamModels(team)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ModelId.String() != model {
		t.Fatalf("invalid team models %v", models)
	}

	if err := admin.deleteTeam(team); err != nil {
		t.Fatal(err)
	}

	info, err := owner.modelInfo(model)
	if err != nil {
		t.Fatal(err)
	}
	if info.TeamId != nil || info.Access != schema.Private {
		t.Fatalf("model should be private after team deletion %v", info)
	}

	checkPermissions(member, t, model, false, false, false)
}
