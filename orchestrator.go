package secevents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"southwinds.dev/secevents/audit"
)

// State is a step of an extraction run
type State int

const (
	StateResolvingIdentity State = iota
	StateValidatingWindow
	StateResolvingCredential
	StateExtracting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolvingIdentity:
		return "ResolvingIdentity"
	case StateValidatingWindow:
		return "ValidatingWindow"
	case StateResolvingCredential:
		return "ResolvingCredential"
	case StateExtracting:
		return "Extracting"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ExtractionRequest is one invocation of the extract command. Either Profile
// (or the default profile) or the raw Server and Username identify the account.
type ExtractionRequest struct {
	Profile       string
	Server        string
	Username      string
	Window        Window
	ExposureTypes []ExposureType
	IgnoreSSL     *bool
	Debug         bool
	TOTP          string
}

// Plan is the outcome of the decision steps of a run. When NeedsCredential is
// set the caller must obtain a password and hand it to StoreCredential before
// calling Execute.
type Plan struct {
	RunID           string
	Profile         string
	Server          string
	Username        string
	Cursor          string
	IgnoreSSL       bool
	Debug           bool
	TOTP            string
	Window          Window
	ExposureTypes   []ExposureType
	NeedsCredential bool
	State           State

	password string
}

// Result summarizes an executed run
type Result struct {
	RunID         string
	Cursor        string
	State         State
	Begin         time.Time
	End           time.Time
	Resumed       bool
	Pages         int
	Events        int
	Checkpoint    time.Time
	HasCheckpoint bool
}

// Orchestrator drives extraction runs: it resolves the account, validates the
// window, looks up the credential and wires every page to the sink and then
// to the checkpoint store. It never retries.
type Orchestrator struct {
	profiles    *ProfileStore
	checkpoints *CheckpointStore
	vault       SecretVault
	sessions    SessionFactory
	extractor   Extractor
	opts        Options
}

// NewOrchestrator wires the collaborators of a run. profiles may be nil, in
// which case only raw server/username requests are accepted.
func NewOrchestrator(profiles *ProfileStore, checkpoints *CheckpointStore, vault SecretVault,
	sessions SessionFactory, extractor Extractor, opts Options) *Orchestrator {
	return &Orchestrator{
		profiles:    profiles,
		checkpoints: checkpoints,
		vault:       vault,
		sessions:    sessions,
		extractor:   extractor,
		opts:        opts.withDefaults(),
	}
}

// Plan runs the decision steps of a run without any network activity. A
// window that fails validation is reported before the vault is consulted.
func (o *Orchestrator) Plan(ctx context.Context, req ExtractionRequest) (*Plan, error) {
	plan := &Plan{
		RunID:         uuid.NewString(),
		Debug:         req.Debug,
		TOTP:          req.TOTP,
		Window:        req.Window,
		ExposureTypes: req.ExposureTypes,
	}
	log := o.opts.Logger.WithField("run_id", plan.RunID)

	o.transition(log, plan, StateResolvingIdentity)
	if err := o.resolveIdentity(ctx, req, plan); err != nil {
		return o.fail(log, plan, err)
	}
	log = log.WithField("cursor", plan.Cursor)

	o.transition(log, plan, StateValidatingWindow)
	if err := ValidateWindow(req.Window, o.opts.Clock()); err != nil {
		return o.fail(log, plan, err)
	}

	o.transition(log, plan, StateResolvingCredential)
	secret, ok, err := o.vault.Get(ServiceName, plan.Username)
	if err != nil {
		return o.fail(log, plan, storageError("read stored password", err))
	}
	if !ok {
		plan.NeedsCredential = true
		log.Debug("no stored password, caller must supply one")
		return plan, nil
	}
	plan.password = secret

	return plan, nil
}

// StoreCredential saves password for the plan's account so later runs are
// non-interactive, and readies the plan for Execute.
func (o *Orchestrator) StoreCredential(ctx context.Context, plan *Plan, password string) error {
	if password == "" {
		return validationErrorf("password cannot be empty")
	}

	if plan.Profile != "" && o.profiles != nil {
		if err := o.profiles.SetPassword(ctx, plan.Profile, password); err != nil {
			return err
		}
	} else {
		err := o.vault.Set(ServiceName, plan.Username, password)
		_ = o.opts.Audit.Log(audit.ActionPasswordSet, err == nil, map[string]interface{}{
			"username": plan.Username,
			"run_id":   plan.RunID,
		})
		if err != nil {
			return storageError("store password", err)
		}
	}

	plan.password = password
	plan.NeedsCredential = false
	return nil
}

// Execute performs the extraction described by plan, delivering pages to sink.
// Progress checkpointed before a failure is kept.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan, sink Sink) (*Result, error) {
	log := o.opts.Logger.WithFields(logrus.Fields{"run_id": plan.RunID, "cursor": plan.Cursor})

	if plan.NeedsCredential {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNeeded, plan.Username)
	}

	result := &Result{RunID: plan.RunID, Cursor: plan.Cursor}
	o.transition(log, plan, StateExtracting)

	query, resumed, err := o.buildQuery(ctx, plan)
	if err != nil {
		_, err = o.fail(log, plan, err)
		result.State = plan.State
		return result, err
	}
	result.Begin, result.End, result.Resumed = query.Begin, query.End, resumed

	auditMeta := map[string]interface{}{
		"profile":  plan.Profile,
		"cursor":   plan.Cursor,
		"run_id":   plan.RunID,
		"username": plan.Username,
		"begin":    query.Begin.Format(time.RFC3339Nano),
		"resumed":  resumed,
	}
	_ = o.opts.Audit.Log(audit.ActionExtractionStart, true, auditMeta)

	err = o.extract(ctx, log, plan, query, sink, result)
	if err != nil {
		auditMeta["error"] = err.Error()
	}
	auditMeta["pages"] = result.Pages
	_ = o.opts.Audit.Log(audit.ActionExtractionComplete, err == nil, auditMeta)

	if err != nil {
		_, err = o.fail(log, plan, err)
		result.State = plan.State
		return result, err
	}

	o.transition(log, plan, StateDone)
	result.State = plan.State
	log.WithFields(logrus.Fields{"pages": result.Pages, "events": result.Events}).Info("extraction complete")
	return result, nil
}

// Run plans and executes in one call. A missing credential is ErrCredentialNeeded.
func (o *Orchestrator) Run(ctx context.Context, req ExtractionRequest, sink Sink) (*Result, error) {
	plan, err := o.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, plan, sink)
}

func (o *Orchestrator) resolveIdentity(ctx context.Context, req ExtractionRequest, plan *Plan) error {
	rawGiven := req.Server != "" || req.Username != ""

	var profile *Profile
	switch {
	case req.Profile != "":
		if rawGiven {
			return validationErrorf("a profile cannot be combined with an explicit server or username")
		}
		if o.profiles == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, req.Profile)
		}
		p, err := o.profiles.Get(ctx, req.Profile)
		if err != nil {
			return err
		}
		profile = p
	case !rawGiven && o.profiles != nil:
		p, err := o.profiles.Get(ctx, "")
		if err != nil && !errors.Is(err, ErrNoDefaultProfile) {
			return err
		}
		profile = p
	}

	if profile != nil {
		plan.Profile = profile.Name
		plan.Server = profile.Server
		plan.Username = profile.Username
		plan.Cursor = profile.Name
		plan.IgnoreSSL = profile.IgnoreSSLErrors()
	} else {
		plan.Server = normalizeServer(req.Server)
		plan.Username = req.Username
		if plan.Server == "" {
			return ErrMissingServer
		}
		if plan.Username == "" {
			return ErrMissingUsername
		}
		plan.Cursor = rawCursorName(plan.Username, plan.Server)
	}

	if req.IgnoreSSL != nil {
		plan.IgnoreSSL = *req.IgnoreSSL
	}
	return nil
}

// rawCursorName identifies the checkpoint of a run made without a profile
func rawCursorName(username, server string) string {
	host := server
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		host = u.Host
	}
	return username + "@" + host
}

// buildQuery resolves the begin timestamp. A resume falls back to the
// requested begin when no checkpoint exists, and never starts before the
// look-back limit.
func (o *Orchestrator) buildQuery(ctx context.Context, plan *Plan) (Query, bool, error) {
	q := Query{
		ExposureTypes: plan.ExposureTypes,
		PageSize:      o.opts.PageSize,
	}

	switch w := plan.Window.(type) {
	case ExplicitWindow:
		q.Begin, q.End = w.Begin, w.End
		return q, false, nil
	case *ExplicitWindow:
		q.Begin, q.End = w.Begin, w.End
		return q, false, nil
	case ResumeWindow:
		return o.resumeQuery(ctx, plan, q, w.Begin)
	case *ResumeWindow:
		return o.resumeQuery(ctx, plan, q, w.Begin)
	default:
		return q, false, validationErrorf("unsupported window type %T", plan.Window)
	}
}

func (o *Orchestrator) resumeQuery(ctx context.Context, plan *Plan, q Query, begin time.Time) (Query, bool, error) {
	oldest := o.opts.Clock().Add(-LookbackLimit)
	if begin.IsZero() {
		begin = oldest
	}
	q.Begin = begin

	cp, ok, err := o.checkpoints.Get(ctx, plan.Cursor)
	if err != nil {
		return q, false, err
	}
	if !ok {
		return q, false, nil
	}

	if cp.Before(oldest) {
		o.opts.Logger.WithField("cursor", plan.Cursor).
			Warnf("checkpoint %s is older than the look-back limit, resuming from %s",
				cp.Format(time.RFC3339), oldest.Format(time.RFC3339))
		cp = oldest
	}
	q.Begin = cp
	return q, true, nil
}

func (o *Orchestrator) extract(ctx context.Context, log logrus.FieldLogger, plan *Plan, q Query, sink Sink, result *Result) error {
	session, err := o.sessions.NewSession(ctx, SessionConfig{
		Server:    plan.Server,
		Username:  plan.Username,
		Password:  plan.password,
		TOTP:      plan.TOTP,
		IgnoreSSL: plan.IgnoreSSL,
		Debug:     plan.Debug,
	})
	if err != nil {
		if errors.Is(err, ErrCredential) {
			_ = o.opts.Audit.Log(audit.ActionAuthFailure, false, map[string]interface{}{
				"profile":  plan.Profile,
				"username": plan.Username,
				"run_id":   plan.RunID,
				"error":    err.Error(),
			})
		}
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.WithError(cerr).Debug("failed to close session")
		}
	}()

	// seeded with the stored marker so an older explicit window cannot move it back
	existing, _, err := o.checkpoints.Get(ctx, plan.Cursor)
	if err != nil {
		return err
	}
	advancer := newCheckpointAdvancer(o.checkpoints, plan.Cursor, existing)
	var (
		sinkMu sync.Mutex
		statMu sync.Mutex
	)

	handler := func(ctx context.Context, page Page) error {
		sinkMu.Lock()
		err := sink.Write(ctx, page)
		sinkMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to deliver page %d: %w", page.Seq, err)
		}

		statMu.Lock()
		result.Pages++
		result.Events += len(page.Events)
		statMu.Unlock()

		log.WithFields(logrus.Fields{"seq": page.Seq, "events": len(page.Events)}).Debug("page delivered")
		return advancer.ack(ctx, page.Seq, page.MaxInsertionTimestamp)
	}

	err = o.extractor.Extract(ctx, session, q, handler)
	result.Checkpoint, result.HasCheckpoint = advancer.current()
	return err
}

func (o *Orchestrator) transition(log logrus.FieldLogger, plan *Plan, next State) {
	log.WithFields(logrus.Fields{"from": plan.State.String(), "to": next.String()}).Debug("state transition")
	plan.State = next
}

func (o *Orchestrator) fail(log logrus.FieldLogger, plan *Plan, err error) (*Plan, error) {
	log.WithField("state", plan.State.String()).WithError(err).Debug("run failed")
	plan.State = StateFailed
	return nil, err
}

// checkpointAdvancer applies page markers in sequence order. A marker is
// written only when every earlier page has been acknowledged, and the stored
// value never moves backwards.
type checkpointAdvancer struct {
	store   *CheckpointStore
	cursor  string
	mu      sync.Mutex
	next    int
	pending map[int]time.Time
	stored  time.Time
}

func newCheckpointAdvancer(store *CheckpointStore, cursor string, stored time.Time) *checkpointAdvancer {
	return &checkpointAdvancer{
		store:   store,
		cursor:  cursor,
		pending: make(map[int]time.Time),
		stored:  stored,
	}
}

func (a *checkpointAdvancer) ack(ctx context.Context, seq int, marker time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if seq < a.next {
		// redelivered page already covered
		return nil
	}
	a.pending[seq] = marker

	target := a.stored
	for {
		m, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		a.next++
		if m.After(target) {
			target = m
		}
	}

	if !target.After(a.stored) {
		return nil
	}
	if err := a.store.Replace(ctx, a.cursor, target); err != nil {
		return err
	}
	a.stored = target
	return nil
}

func (a *checkpointAdvancer) current() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stored, !a.stored.IsZero()
}
