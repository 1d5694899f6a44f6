package controllers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/monascore/chain"
	"github.com/cppla/monascore/models"
	"github.com/cppla/monascore/repository"
	"github.com/cppla/monascore/services"
)

type call struct {
	op, address, referrer, tx string
}

type fakeUsers struct {
	calls []call
	res   services.Result
	user  models.User
	err   error
}

func (f *fakeUsers) Register(ctx context.Context, address, referrer, tx string) (services.Result, error) {
	f.calls = append(f.calls, call{"register", address, referrer, tx})
	return f.res, f.err
}

func (f *fakeUsers) Claim(ctx context.Context, address, tx string) (services.Result, error) {
	f.calls = append(f.calls, call{"claim", address, "", tx})
	return f.res, f.err
}

func (f *fakeUsers) Message(ctx context.Context, address, tx string) (services.Result, error) {
	f.calls = append(f.calls, call{"message", address, "", tx})
	return f.res, f.err
}

func (f *fakeUsers) GetUser(ctx context.Context, address string) (models.User, error) {
	f.calls = append(f.calls, call{"get", address, "", ""})
	return f.user, f.err
}

func setupRouter(users UserService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	uc := NewUserController(users, nil)
	r.POST("/api/user/register", uc.Register)
	r.POST("/api/user/claim", uc.Claim)
	r.POST("/api/user/message", uc.Message)
	r.GET("/api/user", uc.GetUser)
	r.GET("/api/user/:address", uc.GetUser)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegister_Success(t *testing.T) {
	users := &fakeUsers{res: services.Result{Points: 10, ReferralCode: "R1"}}
	r := setupRouter(users)

	w := do(r, http.MethodPost, "/api/user/register", `{"user":{"address":"0xA1","referrer":"R0"},"tx":"0xdead"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"points":10,"referralCode":"R1"}`, w.Body.String())
	require.Len(t, users.calls, 1)
	assert.Equal(t, call{"register", "0xA1", "R0", "0xdead"}, users.calls[0])
}

func TestClaimAndMessage_Success(t *testing.T) {
	users := &fakeUsers{res: services.Result{Points: 15, ReferralCode: "R1"}}
	r := setupRouter(users)

	w := do(r, http.MethodPost, "/api/user/claim", `{"user":{"address":"0xA1"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"points":15,"referralCode":"R1"}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/user/message", `{"user":{"address":"0xA1"},"tx":"0xbeef"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, users.calls, 2)
	assert.Equal(t, "claim", users.calls[0].op)
	assert.Equal(t, call{"message", "0xA1", "", "0xbeef"}, users.calls[1])
}

func TestUpdate_InvalidRequest(t *testing.T) {
	users := &fakeUsers{}
	r := setupRouter(users)

	for _, body := range []string{``, `{`, `{}`, `{"user":{}}`, `{"user":{"address":"  "}}`} {
		w := do(r, http.MethodPost, "/api/user/claim", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"error":"Invalid request"}`, w.Body.String(), body)
	}
	assert.Empty(t, users.calls)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{services.ErrValidation, http.StatusBadRequest, "Invalid request"},
		{services.ErrInvalidTransaction, http.StatusBadRequest, "Invalid transaction"},
		{services.ErrNotRegisteredOnChain, http.StatusBadRequest, "User not found in evm"},
		{services.ErrNotFound, http.StatusBadRequest, "User not found"},
		{repository.ErrConflict, http.StatusInternalServerError, "Internal server error"},
		{repository.ErrNotFound, http.StatusInternalServerError, "Internal server error"},
		{chain.ErrRetriesExhausted, http.StatusInternalServerError, "Internal server error"},
		{errors.New("boom"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		r := setupRouter(&fakeUsers{err: tc.err})
		w := do(r, http.MethodPost, "/api/user/register", `{"user":{"address":"0xA1"}}`)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.JSONEq(t, `{"error":"`+tc.body+`"}`, w.Body.String(), tc.err.Error())
	}
}

func TestGetUser(t *testing.T) {
	users := &fakeUsers{user: models.User{
		Address:        "0xa1",
		Points:         10,
		ReferralCode:   "R1",
		MessageHistory: models.MessageHistory{},
		Registered:     true,
	}}
	r := setupRouter(users)

	w := do(r, http.MethodGet, "/api/user/0xA1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"address":"0xa1","points":10,"referralCode":"R1","messageHistory":[],"lastClaim":0,"registered":true}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/user?address=0xA1", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, users.calls, 2)
	assert.Equal(t, "0xA1", users.calls[0].address)
	assert.Equal(t, "0xA1", users.calls[1].address)
}

func TestGetUser_UnknownAddress(t *testing.T) {
	r := setupRouter(&fakeUsers{err: services.ErrNotFound})

	w := do(r, http.MethodGet, "/api/user/0xZZ", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"User not found"}`, w.Body.String())
}

func TestGetUser_MissingAddress(t *testing.T) {
	users := &fakeUsers{}
	r := setupRouter(users)

	w := do(r, http.MethodGet, "/api/user", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid request"}`, w.Body.String())
	assert.Empty(t, users.calls)
}
