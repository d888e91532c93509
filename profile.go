package secevents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"southwinds.dev/secevents/audit"
	"southwinds.dev/secevents/persist"
)

const profilesDocument = "profiles.yaml"

var profileNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

// Profile is a named set of connection settings. The password is never part of
// the record; it lives in the SecretVault under (ServiceName, Username).
type Profile struct {
	Name      string    `yaml:"name" json:"name" validate:"required,profilename"`
	Server    string    `yaml:"server" json:"server" validate:"required,url"`
	Username  string    `yaml:"username" json:"username" validate:"required"`
	IgnoreSSL *bool     `yaml:"ignore_ssl_errors,omitempty" json:"ignore_ssl_errors,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	IsDefault bool      `yaml:"-" json:"is_default"`
}

// IgnoreSSLErrors resolves the tri-state flag; unset means verify.
func (p *Profile) IgnoreSSLErrors() bool {
	return p.IgnoreSSL != nil && *p.IgnoreSSL
}

// ProfileUpdate carries the fields of a partial update; nil means unchanged.
type ProfileUpdate struct {
	Server    *string
	Username  *string
	IgnoreSSL *bool
}

func (u ProfileUpdate) empty() bool {
	return u.Server == nil && u.Username == nil && u.IgnoreSSL == nil
}

type profileDocument struct {
	DefaultProfile string     `yaml:"default_profile,omitempty"`
	Profiles       []*Profile `yaml:"profiles"`
}

func (d *profileDocument) find(name string) (*Profile, int) {
	p, i, ok := lo.FindIndexOf(d.Profiles, func(p *Profile) bool { return p.Name == name })
	if !ok {
		return nil, -1
	}
	return p, i
}

func (d *profileDocument) usernameInUse(username string) bool {
	return lo.ContainsBy(d.Profiles, func(p *Profile) bool { return p.Username == username })
}

// ProfileStore persists connection profiles and the default-profile pointer in
// one YAML document. Deleting a profile cascades to its stored password and
// its checkpoint.
type ProfileStore struct {
	store       persist.Store
	vault       SecretVault
	checkpoints *CheckpointStore
	validate    *validator.Validate
	log         logrus.FieldLogger
	audit       audit.Logger
	clock       func() time.Time

	mu sync.Mutex
}

// NewProfileStore returns a profile store keeping its document in store
func NewProfileStore(store persist.Store, vault SecretVault, checkpoints *CheckpointStore, opts Options) *ProfileStore {
	opts = opts.withDefaults()

	validate := validator.New()
	_ = validate.RegisterValidation("profilename", func(fl validator.FieldLevel) bool {
		return profileNameRegex.MatchString(fl.Field().String())
	})

	return &ProfileStore{
		store:       store,
		vault:       vault,
		checkpoints: checkpoints,
		validate:    validate,
		log:         opts.Logger,
		audit:       opts.Audit,
		clock:       opts.Clock,
	}
}

// Create adds a profile. The first profile ever created becomes the default.
func (s *ProfileStore) Create(ctx context.Context, name, server, username string, ignoreSSL *bool) (*Profile, error) {
	profile := &Profile{
		Name:      strings.TrimSpace(name),
		Server:    normalizeServer(server),
		Username:  strings.TrimSpace(username),
		IgnoreSSL: ignoreSSL,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.validateProfile(profile); err != nil {
		return nil, err
	}

	var created Profile
	err := s.mutate(ctx, "createProfile", func(doc *profileDocument) error {
		if existing, _ := doc.find(profile.Name); existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateProfile, profile.Name)
		}
		doc.Profiles = append(doc.Profiles, profile)
		if len(doc.Profiles) == 1 {
			doc.DefaultProfile = profile.Name
		}
		created = *profile
		created.IsDefault = doc.DefaultProfile == profile.Name
		return nil
	})

	s.logAudit(audit.ActionProfileCreate, err, map[string]interface{}{
		"profile":  profile.Name,
		"server":   profile.Server,
		"username": profile.Username,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("profile", created.Name).Debug("profile created")
	return &created, nil
}

// Get returns the named profile, or the default profile when name is empty.
func (s *ProfileStore) Get(ctx context.Context, name string) (*Profile, error) {
	doc, _, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return resolveProfile(doc, name)
}

func resolveProfile(doc *profileDocument, name string) (*Profile, error) {
	if name == "" {
		if doc.DefaultProfile == "" {
			return nil, ErrNoDefaultProfile
		}
		name = doc.DefaultProfile
	}

	p, _ := doc.find(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	result := *p
	result.IsDefault = doc.DefaultProfile == p.Name
	return &result, nil
}

// Update applies a partial update to the named profile, or to the default
// profile when name is empty. At least one field must be set. Changing the
// username drops the old account's stored password when no other profile
// still uses it.
func (s *ProfileStore) Update(ctx context.Context, name string, update ProfileUpdate) (*Profile, error) {
	if update.empty() {
		return nil, validationErrorf("at least one of server, username or ignore-ssl-errors must be provided")
	}

	var (
		updated     Profile
		oldUsername string
		orphaned    bool
	)
	err := s.mutate(ctx, "updateProfile", func(doc *profileDocument) error {
		if name == "" {
			if doc.DefaultProfile == "" {
				return ErrNoDefaultProfile
			}
			name = doc.DefaultProfile
		}
		current, idx := doc.find(name)
		if current == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}

		next := *current
		if update.Server != nil {
			next.Server = normalizeServer(*update.Server)
		}
		if update.Username != nil {
			next.Username = strings.TrimSpace(*update.Username)
		}
		if update.IgnoreSSL != nil {
			v := *update.IgnoreSSL
			next.IgnoreSSL = &v
		}
		if err := s.validateProfile(&next); err != nil {
			return err
		}

		oldUsername = current.Username
		doc.Profiles[idx] = &next
		orphaned = oldUsername != next.Username && !doc.usernameInUse(oldUsername)

		updated = next
		updated.IsDefault = doc.DefaultProfile == next.Name
		return nil
	})

	s.logAudit(audit.ActionProfileUpdate, err, map[string]interface{}{"profile": name})
	if err != nil {
		return nil, err
	}

	if orphaned {
		if err = s.vault.Delete(ServiceName, oldUsername); err != nil {
			return nil, storageError("delete stored password", err)
		}
	}
	return &updated, nil
}

// Rename changes a profile's name, carrying the default pointer and the checkpoint along.
func (s *ProfileStore) Rename(ctx context.Context, oldName, newName string) (*Profile, error) {
	newName = strings.TrimSpace(newName)
	if !profileNameRegex.MatchString(newName) {
		return nil, validationErrorf("invalid profile name %q", newName)
	}

	var renamed Profile
	err := s.mutate(ctx, "renameProfile", func(doc *profileDocument) error {
		current, idx := doc.find(oldName)
		if current == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, oldName)
		}
		if existing, _ := doc.find(newName); existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateProfile, newName)
		}

		next := *current
		next.Name = newName
		doc.Profiles[idx] = &next
		if doc.DefaultProfile == oldName {
			doc.DefaultProfile = newName
		}

		renamed = next
		renamed.IsDefault = doc.DefaultProfile == newName
		return nil
	})

	s.logAudit(audit.ActionProfileRename, err, map[string]interface{}{
		"profile":  oldName,
		"new_name": newName,
	})
	if err != nil {
		return nil, err
	}

	if err = s.checkpoints.Rename(ctx, oldName, newName); err != nil {
		return nil, err
	}
	return &renamed, nil
}

// List returns all profiles in creation order
func (s *ProfileStore) List(ctx context.Context) ([]*Profile, error) {
	doc, _, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Map(doc.Profiles, func(p *Profile, _ int) *Profile {
		result := *p
		result.IsDefault = doc.DefaultProfile == p.Name
		return &result
	}), nil
}

// SwitchDefault makes name the default profile
func (s *ProfileStore) SwitchDefault(ctx context.Context, name string) error {
	err := s.mutate(ctx, "switchDefault", func(doc *profileDocument) error {
		if p, _ := doc.find(name); p == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		if doc.DefaultProfile == name {
			return errNoChange
		}
		doc.DefaultProfile = name
		return nil
	})

	s.logAudit(audit.ActionProfileDefault, err, map[string]interface{}{"profile": name})
	return err
}

// IsDefault reports whether name is the default profile
func (s *ProfileStore) IsDefault(ctx context.Context, name string) (bool, error) {
	doc, _, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	return doc.DefaultProfile != "" && doc.DefaultProfile == name, nil
}

// Delete removes a profile together with its checkpoint and, unless another
// profile shares the username, its stored password. Deleting the default
// leaves no default unless exactly one profile remains.
func (s *ProfileStore) Delete(ctx context.Context, name string) error {
	var (
		removed  *Profile
		orphaned bool
	)
	err := s.mutate(ctx, "deleteProfile", func(doc *profileDocument) error {
		current, idx := doc.find(name)
		if current == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}

		doc.Profiles = append(doc.Profiles[:idx:idx], doc.Profiles[idx+1:]...)
		if doc.DefaultProfile == name {
			doc.DefaultProfile = ""
			if len(doc.Profiles) == 1 {
				doc.DefaultProfile = doc.Profiles[0].Name
			}
		}

		removed = current
		orphaned = !doc.usernameInUse(current.Username)
		return nil
	})

	s.logAudit(audit.ActionProfileDelete, err, map[string]interface{}{"profile": name})
	if err != nil {
		return err
	}

	return s.cascadeDelete(ctx, removed, orphaned)
}

// DeleteAll removes every profile with the same cascade as Delete
func (s *ProfileStore) DeleteAll(ctx context.Context) error {
	var removed []*Profile
	err := s.mutate(ctx, "deleteAllProfiles", func(doc *profileDocument) error {
		if len(doc.Profiles) == 0 {
			return errNoChange
		}
		removed = doc.Profiles
		doc.Profiles = nil
		doc.DefaultProfile = ""
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	deletedUsers := map[string]bool{}
	for _, p := range removed {
		s.logAudit(audit.ActionProfileDelete, nil, map[string]interface{}{"profile": p.Name})
		orphaned := !deletedUsers[p.Username]
		deletedUsers[p.Username] = true
		if err = s.cascadeDelete(ctx, p, orphaned); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cascadeDelete drops the profile's checkpoint and, when requested, its stored
// password. Both are attempted even if one fails.
func (s *ProfileStore) cascadeDelete(ctx context.Context, p *Profile, deleteSecret bool) error {
	var errs []error
	if err := s.checkpoints.Delete(ctx, p.Name); err != nil {
		errs = append(errs, err)
	}
	if deleteSecret {
		if err := s.vault.Delete(ServiceName, p.Username); err != nil {
			errs = append(errs, storageError("delete stored password", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.WithField("profile", p.Name).Debug("profile deleted")
	return nil
}

// StoredPassword returns the password stored for the profile's username
func (s *ProfileStore) StoredPassword(ctx context.Context, name string) (string, bool, error) {
	p, err := s.Get(ctx, name)
	if err != nil {
		return "", false, err
	}

	secret, ok, err := s.vault.Get(ServiceName, p.Username)
	if err != nil {
		return "", false, storageError("read stored password", err)
	}
	return secret, ok, nil
}

// HasStoredPassword reports whether a password is stored for the profile
func (s *ProfileStore) HasStoredPassword(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.StoredPassword(ctx, name)
	return ok, err
}

// SetPassword stores secret for the profile's username, replacing any previous value
func (s *ProfileStore) SetPassword(ctx context.Context, name, secret string) error {
	if secret == "" {
		return validationErrorf("password cannot be empty")
	}

	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	err = s.vault.Set(ServiceName, p.Username, secret)
	s.logAudit(audit.ActionPasswordSet, err, map[string]interface{}{
		"profile":  p.Name,
		"username": p.Username,
	})
	if err != nil {
		return storageError("store password", err)
	}
	return nil
}

func (s *ProfileStore) validateProfile(p *Profile) error {
	switch {
	case p.Name == "":
		return validationErrorf("profile name is required")
	case p.Server == "":
		return ErrMissingServer
	case p.Username == "":
		return ErrMissingUsername
	}

	if err := s.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return validationErrorf("invalid %s %q", strings.ToLower(fe.Field()), fe.Value())
		}
		return validationErrorf("%v", err)
	}
	return nil
}

func (s *ProfileStore) logAudit(action string, err error, metadata map[string]interface{}) {
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = s.audit.Log(action, err == nil, metadata)
}

func (s *ProfileStore) read(ctx context.Context) (*profileDocument, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return s.load()
}

func (s *ProfileStore) mutate(ctx context.Context, operation string, fn func(doc *profileDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := withRetry(ctx, operation, func() error {
		doc, version, err := s.load()
		if err != nil {
			return err
		}
		if err = fn(doc); err != nil {
			return err
		}

		data, err := yaml.Marshal(doc)
		if err != nil {
			return storageError("encode "+profilesDocument, err)
		}
		if _, err = s.store.Save(profilesDocument, data, version); err != nil {
			return storageError("save "+profilesDocument, err)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

func (s *ProfileStore) load() (*profileDocument, string, error) {
	doc := &profileDocument{}

	vd, err := s.store.Load(profilesDocument)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return doc, "", nil
		}
		return nil, "", storageError("load "+profilesDocument, err)
	}

	if err = yaml.Unmarshal(vd.Data, doc); err != nil {
		return nil, "", storageError("decode "+profilesDocument, err)
	}
	return doc, vd.Version, nil
}

// normalizeServer trims the address and assumes https when no scheme is given
func normalizeServer(server string) string {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		return ""
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return u.String()
	}
	return server
}
