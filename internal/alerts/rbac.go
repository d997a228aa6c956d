package alerts

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

var ErrUnauthorized = errors.New("unauthorized")

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// Covers reports whether r grants everything need grants.
func (r Role) Covers(need Role) bool { return roleRank[r] >= roleRank[need] }

// AuditEntry represents an audit log entry
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Principal     string         `json:"principal"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Outcome       string         `json:"outcome"` // success, denied, error
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// AuditLogger appends audit entries to a JSONL file. An empty path disables it.
type AuditLogger struct {
	mu      sync.Mutex
	logPath string
}

func NewAuditLogger(logPath string) *AuditLogger {
	return &AuditLogger{logPath: logPath}
}

// RBAC decides which principals may run privileged commands.
type RBAC struct {
	signingSecret string
	admins        map[string]bool
	operators     map[string]bool
	audit         *AuditLogger
	now           func() time.Time
}

func NewRBAC(admins, operators []string, signingSecret string, audit *AuditLogger) *RBAC {
	r := &RBAC{
		signingSecret: signingSecret,
		admins:        make(map[string]bool, len(admins)),
		operators:     make(map[string]bool, len(operators)),
		audit:         audit,
		now:           time.Now,
	}
	for _, a := range admins {
		r.admins[a] = true
	}
	for _, o := range operators {
		r.operators[o] = true
	}
	if r.audit == nil {
		r.audit = NewAuditLogger("")
	}
	return r
}

func (r *RBAC) RoleOf(principal string) Role {
	switch {
	case r.admins[principal]:
		return RoleAdmin
	case r.operators[principal]:
		return RoleOperator
	}
	return RoleViewer
}

func (r *RBAC) IsAdmin(principal string) bool { return r.admins[principal] }

// CanVerify reports whether requests can be authenticated at all.
func (r *RBAC) CanVerify() bool { return r.signingSecret != "" }

// Authorize checks that principal holds at least role need for action.
// Principals outside the admin and operator lists are viewers. Every decision
// is audited.
func (r *RBAC) Authorize(principal, action string, need Role, correlationID string) error {
	role := r.RoleOf(principal)
	outcome := "success"
	var err error
	if !role.Covers(need) {
		outcome = "denied"
		err = fmt.Errorf("%w: %s may not %s", ErrUnauthorized, principal, action)
	}
	r.audit.LogAuditEvent(AuditEntry{
		Timestamp:     r.now(),
		Principal:     principal,
		Action:        action,
		Resource:      "command",
		Outcome:       outcome,
		Details:       map[string]any{"role": string(role), "required": string(need)},
		CorrelationID: correlationID,
	})
	observ.IncCounter("rbac_authorizations_total", map[string]string{
		"action":  action,
		"outcome": outcome,
	})
	return err
}

// ValidateRequest verifies a Slack request signature and rejects requests
// older than five minutes. Without a signing secret every request fails.
func (r *RBAC) ValidateRequest(signature, timestamp, body string) error {
	if r.signingSecret == "" {
		r.audit.LogSecurityEvent("signing_secret_missing", nil)
		return fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp: %v", ErrUnauthorized, err)
	}
	if d := r.now().Unix() - ts; d > 300 || d < -300 {
		return fmt.Errorf("%w: request too old", ErrUnauthorized)
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(r.signingSecret, timestamp, body))) {
		r.audit.LogSecurityEvent("invalid_signature", map[string]any{"timestamp": timestamp})
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	return nil
}

// Sign computes the Slack v0 request signature.
func Sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":" + body))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// LogAuditEvent logs an audit event for compliance and monitoring
func (al *AuditLogger) LogAuditEvent(entry AuditEntry) {
	if al.logPath == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "marshal"})
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(al.logPath), 0o755); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "mkdir"})
		return
	}
	file, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "open_file"})
		return
	}
	defer file.Close()
	if _, err := fmt.Fprintf(file, "%s\n", entryJSON); err != nil {
		observ.IncCounter("audit_log_errors_total", map[string]string{"error": "write"})
		return
	}
	observ.IncCounter("audit_entries_total", map[string]string{
		"action":  entry.Action,
		"outcome": entry.Outcome,
	})
}

// LogSecurityEvent logs a security-related event
func (al *AuditLogger) LogSecurityEvent(eventType string, details map[string]any) {
	al.LogAuditEvent(AuditEntry{
		Timestamp: time.Now(),
		Action:    "security_event",
		Resource:  "security",
		Outcome:   eventType,
		Details:   details,
	})
	observ.IncCounter("security_events_total", map[string]string{"event_type": eventType})
}

// History returns up to maxEntries of the most recent entries.
func (al *AuditLogger) History(maxEntries int) ([]AuditEntry, error) {
	if al.logPath == "" {
		return nil, nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	file, err := os.Open(al.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			out = append(out, e)
		}
	}
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[len(out)-maxEntries:]
	}
	return out, sc.Err()
}
