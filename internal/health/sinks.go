package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
)

// LogSink writes every alert as a structured log line. Always registered.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates the log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case SeverityCritical, SeverityError:
		ev = s.logger.Error()
	case SeverityWarning:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev.Str("alert_id", a.ID).
		Str("rule", a.Rule).
		Str("severity", string(a.Severity)).
		Str("source", a.Source).
		Str("feed", a.Feed).
		Str("message", a.Message).
		Msg(a.Title)
	return nil
}

// WebhookSink POSTs the alert envelope as JSON. No retries; a failed
// delivery is dropped.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates the webhook sink.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	return &WebhookSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

const auditInsert = `
	INSERT INTO alerts (id, rule, severity, title, message, source, feed, created_at)
	VALUES (:id, :rule, :severity, :title, :message, :source, :feed, :created_at)`

// AuditSink writes alert envelopes into Postgres. Write-only: nothing is
// ever read back.
type AuditSink struct {
	db      *sqlx.DB
	timeout config.AuditConfig
}

// NewAuditSink opens the audit database and verifies connectivity.
func NewAuditSink(cfg config.AuditConfig) (*AuditSink, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit db: %w", err)
	}
	return &AuditSink{db: db, timeout: cfg}, nil
}

// NewAuditSinkWithDB wraps an existing connection; tests use it with a
// mock driver.
func NewAuditSinkWithDB(db *sqlx.DB, cfg config.AuditConfig) *AuditSink {
	return &AuditSink{db: db, timeout: cfg}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Deliver(ctx context.Context, a Alert) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout.QueryTimeout)
	defer cancel()
	_, err := s.db.NamedExecContext(queryCtx, auditInsert, a)
	return err
}

// Close releases the database pool.
func (s *AuditSink) Close() error { return s.db.Close() }
