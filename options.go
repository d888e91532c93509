package secevents

import (
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/secevents/audit"
)

// LookbackLimit is how far back the remote service lets a window begin.
const LookbackLimit = 90 * 24 * time.Hour

// DefaultPageSize is the number of events requested per page when Options.PageSize is zero.
const DefaultPageSize = 10000

// Options carries the collaborators and tunables shared by the stores and the orchestrator.
// Zero values are replaced by defaults in withDefaults.
type Options struct {
	// Logger receives operational logging. Secrets are never passed to it.
	Logger logrus.FieldLogger

	// Audit records security relevant actions such as password changes and checkpoint advances.
	Audit audit.Logger

	// Clock returns the current time; tests pin it to check the look-back boundary.
	Clock func() time.Time

	// PageSize is forwarded to the extractor with every query.
	PageSize int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Audit == nil {
		o.Audit = &audit.NoOpLogger{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}
