package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"strings"
)

var _ Logger = (*SyslogLogger)(nil)

// syslogPrefix marks audit records so they can be filtered out of a shared syslog stream
const syslogPrefix = "SECEVENTS_AUDIT: "

// SyslogOptions selects where audit records go. Without a network and address
// records go to the local syslog daemon.
type SyslogOptions struct {
	Network  string `json:"network"`  // tcp, udp
	Address  string `json:"address"`  // host:port
	Facility string `json:"facility"` // user (default), auth, authpriv, daemon, local0..local7
	Tag      string `json:"tag"`
}

var syslogFacilities = map[string]syslog.Priority{
	"user":     syslog.LOG_USER,
	"auth":     syslog.LOG_AUTH,
	"authpriv": syslog.LOG_AUTHPRIV,
	"daemon":   syslog.LOG_DAEMON,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

// SyslogLogger forwards audit events to syslog. Records cannot be read back.
type SyslogLogger struct {
	enabled bool
	quiet   bool // drop successful routine events
	writer  *syslog.Writer
}

// NewSyslogLogger connects to the configured syslog destination
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Tag == "" {
		opts.Tag = "secevents-audit"
	}
	facility := syslog.LOG_USER
	if opts.Facility != "" {
		f, ok := syslogFacilities[strings.ToLower(opts.Facility)]
		if !ok {
			return nil, fmt.Errorf("unknown syslog facility %q", opts.Facility)
		}
		facility = f
	}
	if (opts.Network == "") != (opts.Address == "") {
		return nil, fmt.Errorf("syslog network and address must be set together")
	}

	var (
		writer *syslog.Writer
		err    error
	)
	if opts.Network != "" {
		writer, err = syslog.Dial(opts.Network, opts.Address, facility|syslog.LOG_INFO, opts.Tag)
	} else {
		writer, err = syslog.New(facility|syslog.LOG_INFO, opts.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogLogger{
		enabled: config.Enabled,
		quiet:   config.LogLevel == "error" || config.LogLevel == "warn",
		writer:  writer,
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.enabled {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog logger is closed")
	}

	event := newEvent(action, success, metadata)
	write := s.levelFor(event)
	if write == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return write(syslogPrefix + string(data))
}

// levelFor picks the severity an event is written at, or nil when the
// configured level filters it out.
func (s *SyslogLogger) levelFor(event Event) func(string) error {
	switch {
	case !event.Success && event.Error != "":
		return s.writer.Err
	case !event.Success:
		return s.writer.Warning
	case isSecurityCriticalAction(event.Action):
		return s.writer.Notice
	case s.quiet:
		return nil
	default:
		return s.writer.Info
	}
}

func (s *SyslogLogger) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// Query is not supported; syslog is write-only from here
func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog audit records cannot be queried; use the file audit logger")
}

// isSecurityCriticalAction reports whether a successful action is still worth a notice
func isSecurityCriticalAction(action string) bool {
	switch action {
	case ActionPasswordSet, ActionProfileDelete, ActionAuthFailure, ActionCheckpointDelete:
		return true
	}
	return false
}
