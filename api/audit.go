package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCertIssued     AuditEvent = "cert_issued"
	AuditCertRevoked    AuditEvent = "cert_revoked"
	AuditCRLGenerated   AuditEvent = "crl_generated"
	AuditIssueRejected  AuditEvent = "issue_rejected"
	AuditRevokeRejected AuditEvent = "revoke_rejected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger   *slog.Logger
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	remote := r.RemoteAddr
	if al.clientIP != nil {
		remote = al.clientIP(r)
	}
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", remote),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, err error, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", err.Error()),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
