package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps a service error to its HTTP status and code.
func errorStatus(err error) (int, string) {
	var verr *orchestrator.ValidationError
	var gerr *workspace.GitOperationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, orchestrator.ErrLoopNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, orchestrator.ErrNotAddressable):
		return http.StatusBadRequest, CodeNotAddressable
	case errors.Is(err, orchestrator.ErrNotCompleted):
		return http.StatusBadRequest, CodeNotCompleted
	case errors.Is(err, orchestrator.ErrNotPlanning):
		return http.StatusBadRequest, CodeNotPlanning
	case errors.Is(err, orchestrator.ErrPlanNotReady):
		return http.StatusBadRequest, CodePlanNotReady
	case errors.Is(err, orchestrator.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable, CodeShuttingDown
	case errors.As(err, &gerr):
		return http.StatusInternalServerError, CodeGit
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: msg})
}

// readBody reads a JSON request body. An empty body is valid.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}

func (s *Server) handleCreateLoop(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req CreateLoopBody
	if body != nil {
		if err := json.Unmarshal(body, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	req.CreateLoopRequest.Start = req.Start == nil || *req.Start

	loop, err := s.svc.CreateLoop(r.Context(), req.CreateLoopRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loop)
}

func (s *Server) handleListLoops(w http.ResponseWriter, r *http.Request) {
	loops, err := s.svc.ListLoops(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loops == nil {
		loops = []*models.Loop{}
	}
	writeJSON(w, http.StatusOK, loops)
}

func (s *Server) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	loop, err := s.svc.GetLoop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loop)
}

// action adapts a service call without a result to a success response.
func (s *Server) action(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.AcceptLoop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AcceptResponse{Success: true, MergeCommit: res.MergeCommit})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.PushLoop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{Success: true, RemoteBranch: res.RemoteBranch, SyncStatus: res.SyncStatus})
}

// commentsText accepts comments as a string or as an array of strings.
func commentsText(body []byte) (string, error) {
	c := gjson.GetBytes(body, "comments")
	switch {
	case !c.Exists():
		return "", nil
	case c.Type == gjson.String:
		return c.String(), nil
	case c.IsArray():
		var parts []string
		for _, item := range c.Array() {
			if item.Type != gjson.String {
				return "", errors.New("comments must be strings")
			}
			if t := strings.TrimSpace(item.String()); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n\n"), nil
	default:
		return "", errors.New("comments must be a string or an array of strings")
	}
}

func (s *Server) handleAddressComments(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	comments, err := commentsText(body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.svc.AddressComments(r.Context(), r.PathValue("id"), comments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AddressResponse{
		Success:     true,
		ReviewCycle: res.ReviewCycle,
		Branch:      res.Branch,
		CommentIDs:  res.CommentIDs,
	})
}

func (s *Server) handleReviewHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.svc.GetReviewHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewHistoryResponse{Success: true, History: historyBody(hist)})
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.svc.GetComments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if comments == nil {
		comments = []models.ReviewComment{}
	}
	writeJSON(w, http.StatusOK, CommentsResponse{Success: true, Comments: comments})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	changes, err := s.svc.GetDiff(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handlePlanFeedback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	feedback := gjson.GetBytes(body, "feedback").String()
	if err := s.svc.SendPlanFeedback(r.Context(), r.PathValue("id"), feedback); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
