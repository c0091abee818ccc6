package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// statusError is returned for any response other than 200 or 401.
type statusError struct {
	code   int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.code, e.detail)
}

// statusCode returns the response code carried by err, 200 for nil errors, and
// 0 for errors that did not come from a response.
func statusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code
	}
	return 0
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		var detail struct {
			Detail string `json:"detail"`
		}
		body := w.Body.String()
		if err := json.Unmarshal([]byte(body), &detail); err == nil && detail.Detail != "" {
			body = detail.Detail
		}
		return fmt.Errorf("%v request to endpoint %v failed: %w", r.method, r.endpoint, &statusError{code: res.StatusCode, detail: body})
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var ErrUnauthorized = errors.New("unauthorized")

type client struct {
	api       chi.Router
	authToken string
	apiKey    string
	userId    string
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.apiKey != "" {
		return r.Header(auth.ApiKeyHeader, c.apiKey)
	}
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

// withApiKey returns a client that authenticates with the key instead of the
// user token.
func (c client) withApiKey(key string) client {
	c.apiKey = key
	return c
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res struct {
		UserId      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	err := newHttpTestRequest(c.api, "POST", "/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res.AccessToken
	c.userId = res.UserId

	return nil
}

func (c *client) promoteAdmin(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) demoteAdmin(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) createTeam(name string) (string, error) {
	body := map[string]string{"name": name}

	var res map[string]string
	err := c.Post("/team/create").Json(body).Do(&res)
	return res["team_id"], err
}

func (c *client) deleteTeam(teamId string) error {
	return c.Delete(fmt.Sprintf("/team/%v", teamId)).Do(nil)
}

func (c *client) addUserToTeam(teamId, userId string) error {
	body := map[string]interface{}{"user_id": userId}
	return c.Post(fmt.Sprintf("/team/%v/users", teamId)).Json(body).Do(nil)
}

func (c *client) removeUserFromTeam(teamId, userId string) error {
	return c.Delete(fmt.Sprintf("/team/%v/users/%v", teamId, userId)).Do(nil)
}

func (c *client) addTeamAdmin(teamId, userId string) error {
	return c.Post(fmt.Sprintf("/team/%v/admins/%v", teamId, userId)).Do(nil)
}

func (c *client) removeTeamAdmin(teamId, userId string) error {
	return c.Delete(fmt.Sprintf("/team/%v/admins/%v", teamId, userId)).Do(nil)
}

func (c *client) listTeams() ([]services.TeamInfo, error) {
	var res []services.TeamInfo
	err := c.Get("/team/list").Do(&res)
	return res, err
}

func (c *client) listTeamModels(teamId string) ([]services.ModelInfo, error) {
	var res []services.ModelInfo
	err := c.Get(fmt.Sprintf("/team/%v/models", teamId)).Do(&res)
	return res, err
}

func (c *client) listTeamUsers(teamId string) ([]services.TeamUserInfo, error) {
	var res []services.TeamUserInfo
	err := c.Get(fmt.Sprintf("/team/%v/users", teamId)).Do(&res)
	return res, err
}

type modelArgs struct {
	name         string
	modelType    string
	baseModel    string
	dependencies []string
	attributes   map[string]string
	access       string
	teamId       string
}

func (args modelArgs) body() map[string]interface{} {
	modelType := args.modelType
	if modelType == "" {
		modelType = "ndb"
	}
	body := map[string]interface{}{"model_name": args.name, "model_type": modelType}
	if args.baseModel != "" {
		body["base_model_id"] = args.baseModel
	}
	if args.dependencies != nil {
		body["dependencies"] = args.dependencies
	}
	if args.attributes != nil {
		body["attributes"] = args.attributes
	}
	if args.access != "" {
		body["access"] = args.access
	}
	if args.teamId != "" {
		body["team_id"] = args.teamId
	}
	return body
}

func (c *client) createModel(args modelArgs) (string, error) {
	var res map[string]string
	err := c.Post("/model/create").Json(args.body()).Do(&res)
	return res["model_id"], err
}

func (c *client) modelInfo(modelId string) (services.ModelInfo, error) {
	var res services.ModelInfo
	err := c.Get(fmt.Sprintf("/model/%v", modelId)).Do(&res)
	return res, err
}

func (c *client) listModels() ([]services.ModelInfo, error) {
	var res []services.ModelInfo
	err := c.Get("/model/list").Do(&res)
	return res, err
}

func (c *client) deleteModel(modelId string) error {
	return c.Delete(fmt.Sprintf("/model/%v", modelId)).Do(nil)
}

func (c *client) addDependency(modelId, dependencyId string) error {
	body := map[string]string{"dependency_id": dependencyId}
	return c.Post(fmt.Sprintf("/model/%v/dependencies", modelId)).Json(body).Do(nil)
}

func (c *client) removeDependency(modelId, dependencyId string) error {
	return c.Delete(fmt.Sprintf("/model/%v/dependencies/%v", modelId, dependencyId)).Do(nil)
}

func (c *client) updateAccess(modelId, newAccess string) error {
	body := map[string]string{"access": newAccess}
	return c.Post(fmt.Sprintf("/model/%v/access", modelId)).Json(body).Do(nil)
}

func (c *client) updateAccessWithTeam(modelId, newAccess, teamId string) error {
	body := map[string]string{"access": newAccess, "team_id": teamId}
	return c.Post(fmt.Sprintf("/model/%v/access", modelId)).Json(body).Do(nil)
}

func (c *client) updateDefaultPermission(modelId, newPermission string) error {
	body := map[string]string{"permission": newPermission}
	return c.Post(fmt.Sprintf("/model/%v/default-permission", modelId)).Json(body).Do(nil)
}

func (c *client) updateModelTeam(modelId, teamId string) error {
	body := map[string]interface{}{"team_id": nil}
	if teamId != "" {
		body["team_id"] = teamId
	}
	return c.Post(fmt.Sprintf("/model/%v/team", modelId)).Json(body).Do(nil)
}

func (c *client) setPermission(modelId, userId, permission string) error {
	body := map[string]string{"user_id": userId, "permission": permission}
	return c.Post(fmt.Sprintf("/model/%v/permissions", modelId)).Json(body).Do(nil)
}

func (c *client) removePermission(modelId, userId string) error {
	return c.Delete(fmt.Sprintf("/model/%v/permissions/%v", modelId, userId)).Do(nil)
}

func (c *client) modelPermissions(modelId string) (services.ModelPermissions, error) {
	var res services.ModelPermissions
	err := c.Get(fmt.Sprintf("/model/%v/permissions", modelId)).Do(&res)
	return res, err
}

func (c *client) createApiKey(name string, modelIds []string, allModels bool, exp time.Time) (string, error) {
	body := map[string]interface{}{"name": name, "model_ids": modelIds, "all_models": allModels, "exp": exp}

	var res map[string]string
	err := c.Post("/api-key/create").Json(body).Do(&res)
	return res["api_key"], err
}

func (c *client) listApiKeys() ([]services.ApiKeyInfo, error) {
	var res []services.ApiKeyInfo
	err := c.Get("/api-key/list").Do(&res)
	return res, err
}

func (c *client) listAllApiKeys() ([]services.ApiKeyInfo, error) {
	var res []services.ApiKeyInfo
	err := c.Get("/api-key/all").Do(&res)
	return res, err
}

func (c *client) deleteApiKey(keyId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/api-key/%v", keyId)).Do(nil)
}

type trainResult struct {
	ModelId string `json:"model_id"`
	JobName string `json:"job_name"`
}

func (c *client) train(args modelArgs, trainOptions map[string]interface{}) (trainResult, error) {
	body := args.body()
	body["train_options"] = trainOptions
	body["job_options"] = map[string]int{"allocation_cores": 2, "allocation_memory": 2000}

	var res trainResult
	err := c.Post("/train").Json(body).Do(&res)
	return res, err
}

func (c *client) startTraining(modelId string) (trainResult, error) {
	var res trainResult
	err := c.Post(fmt.Sprintf("/train/%v/start", modelId)).Json(map[string]interface{}{}).Do(&res)
	return res, err
}

func (c *client) stopTraining(modelId string) error {
	return c.Delete(fmt.Sprintf("/train/%v", modelId)).Do(nil)
}

func (c *client) trainStatus(modelId string) (services.StatusResponse, error) {
	var res services.StatusResponse
	err := c.Get(fmt.Sprintf("/train/%v/status", modelId)).Do(&res)
	return res, err
}

func (c *client) deployStatus(modelId string) (services.StatusResponse, error) {
	var res services.StatusResponse
	err := c.Get(fmt.Sprintf("/deploy/%v/status", modelId)).Do(&res)
	return res, err
}

type deployResult struct {
	Deployed []services.DeployedModel `json:"deployed"`
}

func (c *client) deploy(modelId string, body map[string]interface{}) (deployResult, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	var res deployResult
	err := c.Post(fmt.Sprintf("/deploy/%v", modelId)).Json(body).Do(&res)
	return res, err
}

func (c *client) undeploy(modelId string) error {
	return c.Delete(fmt.Sprintf("/deploy/%v", modelId)).Do(nil)
}

// jobClient issues the callbacks a running job makes with its job token.
type jobClient struct {
	api   http.Handler
	job   string
	token string
}

func (c *jobClient) updateStatus(status string, metadata map[string]interface{}) error {
	body := map[string]interface{}{"status": status}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return newHttpTestRequest(c.api, "POST", fmt.Sprintf("/%v/update-status", c.job)).Auth(c.token).Json(body).Do(nil)
}

func (c *jobClient) log(level, message string) error {
	body := map[string]string{"level": level, "message": message}
	return newHttpTestRequest(c.api, "POST", fmt.Sprintf("/%v/log", c.job)).Auth(c.token).Json(body).Do(nil)
}
