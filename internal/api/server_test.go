package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	err      error
	created  *orchestrator.CreateLoopRequest
	comments string
	feedback string
	calls    []string
}

func (f *fakeService) record(call, id string) error {
	f.calls = append(f.calls, call+" "+id)
	return f.err
}

func (f *fakeService) CreateLoop(_ context.Context, req orchestrator.CreateLoopRequest) (*models.Loop, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = &req
	return &models.Loop{Config: models.LoopConfig{ID: "loop-1", Prompt: req.Prompt}}, nil
}

func (f *fakeService) GetLoop(_ context.Context, id string) (*models.Loop, error) {
	if err := f.record("get", id); err != nil {
		return nil, err
	}
	return &models.Loop{Config: models.LoopConfig{ID: id}, State: models.LoopState{Status: models.LoopStatusRunning}}, nil
}

func (f *fakeService) ListLoops(context.Context) ([]*models.Loop, error) { return nil, f.err }

func (f *fakeService) StartLoop(_ context.Context, id string) error   { return f.record("start", id) }
func (f *fakeService) StopLoop(_ context.Context, id string) error    { return f.record("stop", id) }
func (f *fakeService) DiscardLoop(_ context.Context, id string) error { return f.record("discard", id) }
func (f *fakeService) PurgeLoop(_ context.Context, id string) error   { return f.record("purge", id) }
func (f *fakeService) AcceptPlan(_ context.Context, id string) error  { return f.record("plan-accept", id) }
func (f *fakeService) DiscardPlan(_ context.Context, id string) error { return f.record("plan-discard", id) }

func (f *fakeService) AcceptLoop(_ context.Context, id string) (*orchestrator.AcceptResult, error) {
	if err := f.record("accept", id); err != nil {
		return nil, err
	}
	return &orchestrator.AcceptResult{MergeCommit: "abc123"}, nil
}

func (f *fakeService) PushLoop(_ context.Context, id string) (*orchestrator.PushResult, error) {
	if err := f.record("push", id); err != nil {
		return nil, err
	}
	return &orchestrator.PushResult{RemoteBranch: "origin/loopd/x", SyncStatus: orchestrator.SyncPushed}, nil
}

func (f *fakeService) AddressComments(_ context.Context, id, comments string) (*orchestrator.AddressResult, error) {
	f.comments = comments
	if err := f.record("address", id); err != nil {
		return nil, err
	}
	return &orchestrator.AddressResult{ReviewCycle: 1, Branch: "loopd/x-review-1", CommentIDs: []string{"c1"}}, nil
}

func (f *fakeService) GetReviewHistory(_ context.Context, id string) (*orchestrator.ReviewHistory, error) {
	return &orchestrator.ReviewHistory{ReviewBranches: []string{}}, f.record("history", id)
}

func (f *fakeService) GetComments(_ context.Context, id string) ([]models.ReviewComment, error) {
	return []models.ReviewComment{{ID: "c1", LoopID: id, CommentText: "fix", ReviewCycle: 1}}, f.record("comments", id)
}

func (f *fakeService) GetDiff(_ context.Context, id string) ([]workspace.FileChange, error) {
	return []workspace.FileChange{{Path: "a.go", Status: workspace.ChangeAdded}}, f.record("diff", id)
}

func (f *fakeService) SendPlanFeedback(_ context.Context, id, feedback string) error {
	f.feedback = feedback
	return f.record("feedback", id)
}

func serve(t *testing.T, svc LoopService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	NewServer(svc, "").Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateLoop(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodPost, "/loops", `{"prompt":"add tests","directory":"/repo","plan_mode":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.created)
	assert.True(t, svc.created.Start, "start defaults to true")
	assert.True(t, svc.created.PlanMode)
	assert.Equal(t, "loop-1", decode[models.Loop](t, rec).Config.ID)

	rec = serve(t, svc, http.MethodPost, "/loops", `{"prompt":"x","directory":"/repo","start":false}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, svc.created.Start)

	rec = serve(t, svc, http.MethodPost, "/loops", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, decode[ErrorResponse](t, rec).Error)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&orchestrator.ValidationError{Field: "prompt", Msg: "must not be empty"}, http.StatusBadRequest, CodeValidation},
		{fmt.Errorf("%w: x", orchestrator.ErrLoopNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("%w (status completed)", orchestrator.ErrNotAddressable), http.StatusBadRequest, CodeNotAddressable},
		{orchestrator.ErrNotCompleted, http.StatusBadRequest, CodeNotCompleted},
		{orchestrator.ErrNotPlanning, http.StatusBadRequest, CodeNotPlanning},
		{orchestrator.ErrPlanNotReady, http.StatusBadRequest, CodePlanNotReady},
		{orchestrator.ErrInvalidState, http.StatusConflict, CodeInvalidState},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable, CodeShuttingDown},
		{&workspace.GitOperationError{Op: "merge", Err: errors.New("conflict")}, http.StatusInternalServerError, CodeGit},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := serve(t, &fakeService{err: tt.err}, http.MethodPost, "/loops/l1/accept", "")
			assert.Equal(t, tt.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestActionRoutes(t *testing.T) {
	svc := &fakeService{}
	routes := []struct{ method, path, call string }{
		{http.MethodPost, "/loops/l1/start", "start l1"},
		{http.MethodPost, "/loops/l1/stop", "stop l1"},
		{http.MethodPost, "/loops/l1/discard", "discard l1"},
		{http.MethodDelete, "/loops/l1", "purge l1"},
		{http.MethodPost, "/loops/l1/plan/accept", "plan-accept l1"},
		{http.MethodPost, "/loops/l1/plan/discard", "plan-discard l1"},
	}
	for _, r := range routes {
		rec := serve(t, svc, r.method, r.path, "")
		require.Equal(t, http.StatusOK, rec.Code, r.path)
		assert.True(t, decode[SuccessResponse](t, rec).Success)
		assert.Equal(t, r.call, svc.calls[len(svc.calls)-1])
	}
}

func TestAcceptAndPushShapes(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodPost, "/loops/l1/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"mergeCommit":"abc123"}`, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/loops/l1/push", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"remoteBranch":"origin/loopd/x","syncStatus":"pushed"}`, rec.Body.String())
}

func TestAddressComments(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodPost, "/loops/l1/address-comments", `{"comments":"rename foo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"reviewCycle":1,"branch":"loopd/x-review-1","commentIds":["c1"]}`, rec.Body.String())
	assert.Equal(t, "rename foo", svc.comments)

	rec = serve(t, svc, http.MethodPost, "/loops/l1/address-comments", `{"comments":["one"," ","two"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one\n\ntwo", svc.comments)

	rec = serve(t, svc, http.MethodPost, "/loops/l1/address-comments", `{"comments":42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = fmt.Errorf("%w (status running)", orchestrator.ErrNotAddressable)
	rec = serve(t, svc, http.MethodPost, "/loops/l1/address-comments", `{"comments":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeNotAddressable, resp.Error)
}

func TestQueriesAndFeedback(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, http.MethodGet, "/loops", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(t, svc, http.MethodGet, "/loops/l1/comments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	comments := decode[CommentsResponse](t, rec)
	assert.True(t, comments.Success)
	require.Len(t, comments.Comments, 1)
	assert.Equal(t, 1, comments.Comments[0].ReviewCycle)

	rec = serve(t, svc, http.MethodGet, "/loops/l1/diff", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a.go", decode[[]workspace.FileChange](t, rec)[0].Path)

	rec = serve(t, svc, http.MethodGet, "/loops/l1/review-history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"history":{"addressable":false,"reviewCycles":0,"reviewBranches":[]}}`, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/loops/l1/plan/feedback", `{"feedback":"more tests"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "more tests", svc.feedback)

	rec = serve(t, svc, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestClientRoundTrip(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(NewServer(svc, "").Handler())
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	loop, err := c.CreateLoop(ctx, orchestrator.CreateLoopRequest{Prompt: "p", Directory: "/repo"}, false)
	require.NoError(t, err)
	assert.Equal(t, "loop-1", loop.Config.ID)
	assert.False(t, svc.created.Start)

	got, err := c.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusRunning, got.State.Status)

	ar, err := c.AddressComments(ctx, "l1", "a \"quoted\" comment")
	require.NoError(t, err)
	assert.Equal(t, 1, ar.ReviewCycle)
	assert.Equal(t, "a \"quoted\" comment", svc.comments)

	require.NoError(t, c.PlanFeedback(ctx, "l1", "shorter"))
	assert.Equal(t, "shorter", svc.feedback)

	svc.err = orchestrator.ErrPlanNotReady
	err = c.AcceptPlan(ctx, "l1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, CodePlanNotReady, apiErr.Code)
}
