package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

// Operator commands.
const (
	CmdApprove = "approve"
	CmdReject  = "reject"
	CmdPause   = "pause"
	CmdResume  = "resume"
	CmdStop    = "stop"
	CmdReset   = "reset"
	CmdStatus  = "status"
)

// required is the lowest role allowed to run each command.
var required = map[string]alerts.Role{
	CmdApprove: alerts.RoleAdmin,
	CmdReject:  alerts.RoleAdmin,
	CmdStop:    alerts.RoleAdmin,
	CmdReset:   alerts.RoleAdmin,
	CmdPause:   alerts.RoleOperator,
	CmdResume:  alerts.RoleOperator,
	CmdStatus:  alerts.RoleViewer,
}

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingID      = errors.New("command needs a request id")
)

type Command struct {
	Name          string `json:"command"`
	Principal     string `json:"principal"`
	ID            string `json:"id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Result struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type commandRequest struct {
	cmd   Command
	reply chan commandReply
}

type commandReply struct {
	res Result
	err error
}

// Execute queues cmd for the control loop and waits for its result.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) (Result, error) {
	req := commandRequest{cmd: cmd, reply: make(chan commandReply, 1)}
	select {
	case o.commands <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (o *Orchestrator) control(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.commands:
			res, err := o.apply(req.cmd)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			observ.IncCounter("orchestrator_commands_total", map[string]string{"command": req.cmd.Name, "outcome": outcome})
			observ.Log("operator_command", map[string]any{
				"command":   req.cmd.Name,
				"principal": req.cmd.Principal,
				"id":        req.cmd.ID,
				"outcome":   outcome,
				"err":       err,
			})
			req.reply <- commandReply{res: res, err: err}
		}
	}
}

func (o *Orchestrator) apply(cmd Command) (Result, error) {
	need, ok := required[cmd.Name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	if err := o.rbac.Authorize(cmd.Principal, cmd.Name, need, cmd.CorrelationID); err != nil {
		return Result{}, err
	}

	switch cmd.Name {
	case CmdApprove, CmdReject:
		return o.decideChange(cmd)
	case CmdPause:
		o.ctlMu.Lock()
		o.paused = true
		o.ctlMu.Unlock()
		return Result{Message: "trading paused"}, nil
	case CmdResume:
		o.ctlMu.Lock()
		o.paused = false
		if o.stopped {
			o.stopped = false
			o.stopCh = make(chan struct{})
		}
		o.ctlMu.Unlock()
		return Result{Message: "trading resumed"}, nil
	case CmdStop:
		o.ctlMu.Lock()
		if !o.stopped {
			o.stopped = true
			close(o.stopCh)
		}
		o.ctlMu.Unlock()
		o.notifier.Notify(alerts.Event{
			Type:     alerts.EventRejection,
			Severity: alerts.SeverityCritical,
			Title:    "Trading stopped by " + cmd.Principal,
			Time:     o.now().UTC(),
		})
		return Result{Message: "trading stopped"}, nil
	case CmdReset:
		reason := cmd.Reason
		if reason == "" {
			reason = "operator reset"
		}
		tr := o.risk.Reset(cmd.Principal, reason)
		o.breakerTransition(*tr)
		return Result{Message: "circuit breaker reset", Data: tr.State}, nil
	default:
		st := o.Status()
		return Result{Message: alerts.RiskStatusEvent(st.Risk, st.Paused, st.Stopped).Title, Data: st}, nil
	}
}

func (o *Orchestrator) decideChange(cmd Command) (Result, error) {
	if cmd.ID == "" {
		return Result{}, ErrMissingID
	}
	if o.workflow == nil {
		return Result{}, fmt.Errorf("%w: %s", configchange.ErrNotFound, cmd.ID)
	}
	var (
		req configchange.Request
		err error
	)
	if cmd.Name == CmdApprove {
		req, err = o.workflow.Approve(cmd.ID, cmd.Principal)
	} else {
		req, err = o.workflow.Reject(cmd.ID, cmd.Principal)
	}
	if err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("request %s is %s", req.ID, req.Status)
	if req.Note != "" {
		msg += ": " + req.Note
	}
	return Result{Message: msg, Data: req}, nil
}

type LaneStatus struct {
	State   State  `json:"state"`
	TradeID string `json:"trade_id,omitempty"`
	Queued  int    `json:"queued"`
}

type Status struct {
	Paused         bool                   `json:"paused"`
	Stopped        bool                   `json:"stopped"`
	DryRun         bool                   `json:"dry_run"`
	Risk           risk.State             `json:"risk"`
	ParamsVersion  int64                  `json:"params_version"`
	Lanes          map[string]LaneStatus  `json:"lanes"`
	PendingChanges []configchange.Request `json:"pending_changes"`
	Recent         []Trade                `json:"recent"`
}

// Status is a point-in-time view for operators. It may be called from any
// goroutine.
func (o *Orchestrator) Status() Status {
	paused, stopped := o.flags()
	st := Status{
		Paused:        paused,
		Stopped:       stopped,
		DryRun:        o.cfg.DryRun,
		Risk:          o.risk.State(),
		ParamsVersion: o.params.Snapshot().Version,
		Lanes:         make(map[string]LaneStatus, len(o.lanes)),
	}
	for sym, l := range o.lanes {
		l.mu.Lock()
		st.Lanes[sym] = LaneStatus{State: l.state, TradeID: l.tradeID, Queued: len(l.ticks)}
		l.mu.Unlock()
	}
	if o.workflow != nil {
		st.PendingChanges = o.workflow.List(configchange.StatusPending)
	}
	o.histMu.Lock()
	st.Recent = append([]Trade(nil), o.recent...)
	o.histMu.Unlock()
	sort.SliceStable(st.Recent, func(i, j int) bool { return st.Recent[i].StartedAt.After(st.Recent[j].StartedAt) })
	return st
}
