package tests

import (
	"net/http"
	"testing"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/stretchr/testify/require"
)

func trainedModel(t *testing.T, env *testEnv, c client, args modelArgs) string {
	t.Helper()

	res, err := c.train(args, nil)
	require.NoError(t, err)

	job, err := env.jobClient(res.ModelId, schema.TrainJob)
	require.NoError(t, err)
	require.NoError(t, job.updateStatus(schema.Complete, nil))

	return res.ModelId
}

func deployedIds(res deployResult) []string {
	ids := make([]string, 0, len(res.Deployed))
	for _, m := range res.Deployed {
		ids = append(ids, m.ModelId.String())
	}
	return ids
}

func TestDeployRequiresTraining(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	require.NoError(t, err)

	res, err := client.train(modelArgs{name: "xyz"}, nil)
	require.NoError(t, err)

	_, err = client.deploy(res.ModelId, nil)
	require.Equal(t, http.StatusConflict, statusCode(err))

	status, err := client.deployStatus(res.ModelId)
	require.NoError(t, err)
	require.Equal(t, schema.NotStarted, status.Status)
}

func TestDeploy(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	require.NoError(t, err)

	model := trainedModel(t, env, client, modelArgs{name: "xyz", attributes: map[string]string{"llm_provider": "openai"}})

	res, err := client.deploy(model, map[string]interface{}{"deployment_name": "search", "autoscaling_enabled": true, "autoscaling_max": 4})
	require.NoError(t, err)
	require.Len(t, res.Deployed, 1)
	require.Equal(t, model, res.Deployed[0].ModelId.String())
	require.False(t, res.Deployed[0].Existing)
	require.True(t, env.backend.isActive(res.Deployed[0].JobName))
	require.Equal(t, "deploy", env.backend.templates[res.Deployed[0].JobName])

	cfg, err := env.deployConfig(model)
	require.NoError(t, err)
	require.Equal(t, client.userId, cfg.UserId.String())
	require.True(t, cfg.Autoscaling)
	require.Equal(t, "sk-test-key", cfg.Options["genai_key"])
	require.Equal(t, "openai", cfg.Options["llm_provider"])
	require.Equal(t, testBoltKey, cfg.LicenseKey)

	status, err := client.deployStatus(model)
	require.NoError(t, err)
	require.Equal(t, schema.Starting, status.Status)

	job, err := env.jobClient(model, schema.DeployJob)
	require.NoError(t, err)
	require.NoError(t, job.updateStatus(schema.Complete, nil))

	// Deploying a running model does not submit a new job.
	again, err := client.deploy(model, nil)
	require.NoError(t, err)
	require.Len(t, again.Deployed, 1)
	require.True(t, again.Deployed[0].Existing)
	require.Equal(t, 2, env.backend.submitted())

	require.NoError(t, client.undeploy(model))
	require.False(t, env.backend.isActive(res.Deployed[0].JobName))

	info, err := client.modelInfo(model)
	require.NoError(t, err)
	require.Equal(t, schema.Stopped, info.DeployStatus)
}

func TestDeployWithDependencies(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	require.NoError(t, err)

	a := trainedModel(t, env, client, modelArgs{name: "a"})
	b := trainedModel(t, env, client, modelArgs{name: "b", dependencies: []string{a}})
	c := trainedModel(t, env, client, modelArgs{name: "c", dependencies: []string{a, b}})

	res, err := client.deploy(c, map[string]interface{}{"deployment_name": "app"})
	require.NoError(t, err)
	require.Equal(t, []string{a, b, c}, deployedIds(res))

	for _, id := range []string{a, b, c} {
		status, err := client.deployStatus(id)
		require.NoError(t, err)
		require.Equal(t, schema.Starting, status.Status)
	}

	// Only the requested model is exposed under the deployment name.
	require.Equal(t, "app", env.backend.deploymentNames[res.Deployed[2].JobName])
	require.Empty(t, env.backend.deploymentNames[res.Deployed[0].JobName])

	// Dependencies that are already deployed are skipped.
	again, err := client.deploy(b, nil)
	require.NoError(t, err)
	require.Equal(t, []string{b}, deployedIds(again))
	require.True(t, again.Deployed[0].Existing)

	// a and b are used by c.
	require.Equal(t, http.StatusConflict, statusCode(client.undeploy(a)))
	require.Equal(t, http.StatusConflict, statusCode(client.undeploy(b)))

	require.NoError(t, client.undeploy(c))
	require.Equal(t, http.StatusConflict, statusCode(client.undeploy(a)))
	require.NoError(t, client.undeploy(b))
	require.NoError(t, client.undeploy(a))
}

func TestDeployDependencyNotTrained(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	require.NoError(t, err)

	dep, err := client.createModel(modelArgs{name: "dep"})
	require.NoError(t, err)

	model := trainedModel(t, env, client, modelArgs{name: "model", dependencies: []string{dep}})

	_, err = client.deploy(model, nil)
	require.Equal(t, http.StatusConflict, statusCode(err))
	require.Equal(t, 1, env.backend.submitted())

	status, err := client.deployStatus(model)
	require.NoError(t, err)
	require.Equal(t, schema.NotStarted, status.Status)
}

func TestDeployLlmProvider(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	require.NoError(t, err)

	onPrem := trainedModel(t, env, client, modelArgs{name: "on-prem", attributes: map[string]string{"llm_provider": "on-prem"}})
	_, err = client.deploy(onPrem, nil)
	require.NoError(t, err)

	cfg, err := env.deployConfig(onPrem)
	require.NoError(t, err)
	require.NotContains(t, cfg.Options, "genai_key")

	noKey := trainedModel(t, env, client, modelArgs{name: "cohere", attributes: map[string]string{"llm_provider": "cohere"}})
	_, err = client.deploy(noKey, nil)
	require.Equal(t, http.StatusUnprocessableEntity, statusCode(err))
}

func TestDeployPermissions(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)
	other, err := env.newUser("other")
	require.NoError(t, err)

	model := trainedModel(t, env, owner, modelArgs{name: "xyz"})
	require.NoError(t, owner.setPermission(model, other.userId, schema.WritePerm))

	_, err = other.deploy(model, nil)
	require.Equal(t, http.StatusForbidden, statusCode(err))

	_, err = owner.deploy(model, nil)
	require.NoError(t, err)

	require.Equal(t, http.StatusForbidden, statusCode(other.undeploy(model)))

	status, err := other.deployStatus(model)
	require.NoError(t, err)
	require.Equal(t, schema.Starting, status.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t)

	client := env.newClient()
	require.NoError(t, client.Get("/health").Do(nil))

	admin, err := env.adminClient()
	require.NoError(t, err)
	trainedModel(t, env, admin, modelArgs{name: "xyz"})

	require.NoError(t, newHttpTestRequest(env.api, "GET", "/metrics").Do(nil))
}
