// Package audit records significant payment events
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexbotov/tegro/internal/domain"
	"github.com/google/uuid"
)

// Event types
const (
	EventOrderCreated         = "order_created"
	EventOrderLookup          = "order_lookup"
	EventOrderPaid            = "order_paid"
	EventNotificationRejected = "notification_rejected"
	EventWithdrawalCreated    = "withdrawal_created"
	EventWithdrawalBlocked    = "withdrawal_blocked"
	EventGatewayError         = "gateway_error"
	EventOperatorCreated      = "operator_created"
	EventOperatorLogin        = "operator_login"
	EventOperatorLogout       = "operator_logout"
	EventLoginFailed          = "login_failed"
	EventPayoutsDisabled      = "payouts_disabled"
	EventPayoutsEnabled       = "payouts_enabled"
)

// Service provides audit logging functionality
type Service struct {
	db *sql.DB
}

// New creates a new audit service
func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// LogEvent records a significant event
func (s *Service) LogEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var data any
	if len(event.Data) > 0 {
		data = string(event.Data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, severity, timestamp, operator_id, reference, description, data, ip_address, component)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.Type, event.Severity, event.Timestamp, event.OperatorID, event.Reference,
		event.Description, data, event.IPAddress, event.Component)

	return err
}

// Log is a convenience method for logging events
func (s *Service) Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data any, opts ...EventOption) error {
	event := &domain.AuditEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Component:   "tegro",
	}

	if data != nil {
		if jsonData, err := json.Marshal(data); err == nil {
			event.Data = jsonData
		}
	}

	for _, opt := range opts {
		opt(event)
	}

	return s.LogEvent(ctx, event)
}

// EventOption is a functional option for configuring audit events
type EventOption func(*domain.AuditEvent)

// WithOperator sets the operator ID for the event
func WithOperator(operatorID string) EventOption {
	return func(e *domain.AuditEvent) {
		if operatorID != "" {
			e.OperatorID = &operatorID
		}
	}
}

// WithReference sets the order or withdrawal reference for the event
func WithReference(reference string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Reference = &reference
	}
}

// WithIP sets the IP address for the event
func WithIP(ip string) EventOption {
	return func(e *domain.AuditEvent) {
		e.IPAddress = ip
	}
}

// WithComponent sets the component for the event
func WithComponent(component string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Component = component
	}
}

// GetEvents retrieves audit events with optional filtering
func (s *Service) GetEvents(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, type, severity, timestamp, operator_id, reference, description, data, ip_address, component
			  FROM audit_events WHERE 1=1`
	args := []any{}
	paramIdx := 1

	if filter != nil {
		if filter.OperatorID != "" {
			query += fmt.Sprintf(" AND operator_id = $%d", paramIdx)
			args = append(args, filter.OperatorID)
			paramIdx++
		}
		if filter.Reference != "" {
			query += fmt.Sprintf(" AND reference = $%d", paramIdx)
			args = append(args, filter.Reference)
			paramIdx++
		}
		if filter.Type != "" {
			query += fmt.Sprintf(" AND type = $%d", paramIdx)
			args = append(args, filter.Type)
			paramIdx++
		}
		if !filter.From.IsZero() {
			query += fmt.Sprintf(" AND timestamp >= $%d", paramIdx)
			args = append(args, filter.From)
			paramIdx++
		}
		if !filter.To.IsZero() {
			query += fmt.Sprintf(" AND timestamp <= $%d", paramIdx)
			args = append(args, filter.To)
			paramIdx++
		}
	}

	query += " ORDER BY timestamp DESC"

	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", paramIdx)
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var operatorID, reference, data, ip sql.NullString

		err := rows.Scan(&event.ID, &event.Type, &event.Severity, &event.Timestamp,
			&operatorID, &reference, &event.Description, &data, &ip, &event.Component)
		if err != nil {
			return nil, err
		}

		if operatorID.Valid {
			event.OperatorID = &operatorID.String
		}
		if reference.Valid {
			event.Reference = &reference.String
		}
		if data.Valid && data.String != "" {
			event.Data = json.RawMessage(data.String)
		}
		event.IPAddress = ip.String

		events = append(events, &event)
	}

	return events, rows.Err()
}

// EventFilter defines criteria for filtering audit events
type EventFilter struct {
	OperatorID string
	Reference  string
	Type       string
	From       time.Time
	To         time.Time
	Limit      int
}
