package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/orchestrator"
)

const maxCommandBody = 64 << 10

// APIResponse is the envelope for every non-command endpoint.
type APIResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func dataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, APIResponse{Status: status, Message: http.StatusText(status), Data: data})
}

// CommandRequest is an operator command, posted as JSON or as a Slack slash
// command form ("text" carries "<command> [id] [reason...]").
type CommandRequest struct {
	Principal string `json:"principal" validate:"required"`
	Command   string `json:"command" validate:"required,oneof=approve reject pause resume stop reset status"`
	ID        string `json:"id" validate:"required_if=Command approve,required_if=Command reject"`
	Reason    string `json:"reason" default:"operator command"`
}

// CommandResponse is readable by Slack as a slash command reply.
type CommandResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
	Data         any    `json:"data,omitempty"`
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (s *Server) handleCommand(c echo.Context) error {
	if !s.limiter.Allow() {
		observ.IncCounter("http_commands_throttled_total", nil)
		return commandReply(c, http.StatusTooManyRequests, "Too many commands, slow down", nil)
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandBody))
	if err != nil {
		return commandReply(c, http.StatusBadRequest, "Could not read request body", nil)
	}
	h := c.Request().Header
	if err := s.rbac.ValidateRequest(h.Get("X-Slack-Signature"), h.Get("X-Slack-Request-Timestamp"), string(body)); err != nil {
		observ.IncCounter("http_invalid_signatures_total", nil)
		return commandReply(c, http.StatusUnauthorized, "Invalid request signature", nil)
	}

	req, err := parseCommand(h.Get(echo.HeaderContentType), body)
	if err != nil {
		return commandReply(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := defaults.Set(req); err != nil {
		return commandReply(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := s.validate.StructCtx(c.Request().Context(), req); err != nil {
		return commandReply(c, http.StatusBadRequest, "Invalid command", validationErrors(err))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.CommandTimeout)
	defer cancel()
	res, err := s.cmd.Execute(ctx, orchestrator.Command{
		Name:          req.Command,
		Principal:     req.Principal,
		ID:            req.ID,
		Reason:        req.Reason,
		CorrelationID: h.Get(echo.HeaderXRequestID),
	})
	if err != nil {
		return commandReply(c, errorStatus(err), err.Error(), nil)
	}
	return commandReply(c, http.StatusOK, res.Message, res.Data)
}

func commandReply(c echo.Context, status int, text string, data any) error {
	return c.JSON(status, CommandResponse{ResponseType: "ephemeral", Text: text, Data: data})
}

// parseCommand accepts a JSON body or a Slack form post.
func parseCommand(contentType string, body []byte) (*CommandRequest, error) {
	req := &CommandRequest{}
	if strings.HasPrefix(contentType, echo.MIMEApplicationForm) {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, errors.New("malformed form body")
		}
		req.Principal = values.Get("user_id")
		fields := strings.Fields(values.Get("text"))
		if len(fields) > 0 {
			req.Command = strings.ToLower(fields[0])
		}
		if len(fields) > 1 {
			switch req.Command {
			case orchestrator.CmdApprove, orchestrator.CmdReject:
				req.ID = fields[1]
				req.Reason = strings.Join(fields[2:], " ")
			default:
				req.Reason = strings.Join(fields[1:], " ")
			}
		}
		return req, nil
	}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, errors.New("malformed JSON body")
	}
	req.Command = strings.ToLower(req.Command)
	return req, nil
}

func validationErrors(err error) []fieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []fieldError{{Rule: err.Error()}}
	}
	out := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, alerts.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, configchange.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownCommand), errors.Is(err, orchestrator.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	return dataResponse(c, http.StatusOK, s.cmd.Status())
}

func (s *Server) handleChanges(c echo.Context) error {
	if s.changes == nil {
		return dataResponse(c, http.StatusOK, []configchange.Request{})
	}
	var statuses []configchange.Status
	for _, raw := range strings.Split(c.QueryParam("status"), ",") {
		switch st := configchange.Status(strings.ToUpper(strings.TrimSpace(raw))); st {
		case "":
		case configchange.StatusPending, configchange.StatusApproved, configchange.StatusRejected, configchange.StatusExpired:
			statuses = append(statuses, st)
		default:
			return dataResponse(c, http.StatusBadRequest, fieldError{Field: "status", Rule: "oneof"})
		}
	}
	list := s.changes.List(statuses...)
	if list == nil {
		list = []configchange.Request{}
	}
	return dataResponse(c, http.StatusOK, list)
}

func (s *Server) handleHealth(c echo.Context) error {
	st := s.cmd.Status()
	degraded := st.Risk.Tripped() || st.Stopped
	return c.JSON(http.StatusOK, observ.NewHealthStatus(degraded, map[string]any{
		"breaker": st.Risk.Breaker,
		"paused":  st.Paused,
		"stopped": st.Stopped,
	}))
}
