package secevents

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExposureType filters file events by how the file was exposed
type ExposureType string

const (
	ExposureSharedViaLink   ExposureType = "SharedViaLink"
	ExposureSharedToDomain  ExposureType = "SharedToDomain"
	ExposureApplicationRead ExposureType = "ApplicationRead"
	ExposureCloudStorage    ExposureType = "CloudStorage"
	ExposureRemovableMedia  ExposureType = "RemovableMedia"
	ExposureIsPublic        ExposureType = "IsPublic"
)

// ExposureTypes lists every supported exposure filter
var ExposureTypes = []ExposureType{
	ExposureSharedViaLink,
	ExposureSharedToDomain,
	ExposureApplicationRead,
	ExposureCloudStorage,
	ExposureRemovableMedia,
	ExposureIsPublic,
}

// ParseExposureType matches value case-insensitively against ExposureTypes
func ParseExposureType(value string) (ExposureType, error) {
	for _, et := range ExposureTypes {
		if strings.EqualFold(string(et), strings.TrimSpace(value)) {
			return et, nil
		}
	}
	return "", validationErrorf("unknown exposure type %q", value)
}

// SessionConfig is what a SessionFactory needs to authenticate
type SessionConfig struct {
	Server    string
	Username  string
	Password  string
	TOTP      string
	IgnoreSSL bool
	Debug     bool
}

// String never includes the password or TOTP token
func (c SessionConfig) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Server)
}

// Session is an authenticated connection to the event service
type Session interface {
	Close() error
}

// SessionFactory authenticates against the event service. Rejected
// credentials are reported as ErrCredential (or ErrMFARequired).
type SessionFactory interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Query describes one extraction. A zero End is open ended.
type Query struct {
	Begin         time.Time
	End           time.Time
	ExposureTypes []ExposureType
	PageSize      int
}

// Page is one response from the event service. Seq numbers pages from zero in
// the order the extractor requested them; delivery may be out of order.
type Page struct {
	Seq                   int
	MaxInsertionTimestamp time.Time
	Body                  []byte
	Events                [][]byte
}

// PageHandler is invoked once per page and may be called concurrently
type PageHandler func(ctx context.Context, page Page) error

// Extractor pages through events matching q and hands every page to handler.
// It returns nil once the window is exhausted; the first handler error stops
// the extraction and is returned.
type Extractor interface {
	Extract(ctx context.Context, session Session, q Query, handler PageHandler) error
}
