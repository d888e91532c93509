package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Actions recorded by the tool
const (
	ActionProfileCreate      = "profile_create"
	ActionProfileUpdate      = "profile_update"
	ActionProfileRename      = "profile_rename"
	ActionProfileDelete      = "profile_delete"
	ActionProfileDefault     = "profile_default"
	ActionPasswordSet        = "password_set"
	ActionCheckpointAdvance  = "checkpoint_advance"
	ActionCheckpointDelete   = "checkpoint_delete"
	ActionExtractionStart    = "extraction_start"
	ActionExtractionComplete = "extraction_complete"
	ActionAuthFailure        = "auth_failure"
	ActionCommandStart       = "command_start"
	ActionCommandComplete    = "command_complete"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Profile   string                 `json:"profile,omitempty"`
	Cursor    string                 `json:"cursor,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Source    string                 `json:"source,omitempty"` // hostname
	SessionID string                 `json:"session_id,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Profile string
	Cursor  string
	RunID   string
	Since   *time.Time
	Until   *time.Time
	Action  string
	Success *bool // nil = all, true = only success, false = only failures
	Limit   int
	Offset  int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent lifts the well known keys out of metadata into the event itself
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		s, isString := v.(string)
		switch {
		case k == "profile" && isString:
			event.Profile = s
		case k == "cursor" && isString:
			event.Cursor = s
		case k == "run_id" && isString:
			event.RunID = s
		case k == "user_id" && isString:
			event.UserID = s
		case k == "session_id" && isString:
			event.SessionID = s
		case k == "source" && isString:
			event.Source = s
		case k == "error" && isString:
			event.Error = s
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}

	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
