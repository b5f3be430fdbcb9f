package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"eventcore/domain"
)

// UserService handles user commands. Commands run one at a time so that
// username and email uniqueness checks cannot interleave.
type UserService struct {
	core
	store domain.ReadModel
	mu    sync.Mutex
}

func NewUserService(el EventLog, pub Publisher, store domain.ReadModel, opts ...Option) *UserService {
	return &UserService{core: newCore(el, pub, opts), store: store}
}

// Create registers a new user and returns its id.
func (s *UserService) Create(ctx context.Context, upd domain.UserUpdate) (id string, err error) {
	ctx, span := s.span(ctx, "command.CreateUser", "")
	defer func() { endSpan(span, err) }()

	if err := requireField("username", upd.Username); err != nil {
		return "", err
	}
	if err := requireField("email", upd.Email); err != nil {
		return "", err
	}
	trimIdentity(&upd)
	if upd.Role == nil || strings.TrimSpace(*upd.Role) == "" {
		upd.Role = domain.Ptr(domain.DefaultRoleID)
	}
	if upd.CreatedAt == nil {
		upd.CreatedAt = domain.Ptr(s.now().UTC().Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUser(ctx, "", upd); err != nil {
		return "", err
	}

	id = s.newID()
	span.SetAttributes(attribute.String("aggregate.id", id))
	upd.ID = ""
	ev, err := s.commit(ctx, id, domain.UserCreated, upd)
	if err != nil {
		return "", err
	}
	upd.ID = id
	if err := s.store.SaveUser(ctx, upd); err != nil {
		return "", domain.Persistence("project user", err)
	}
	log.WithFields(log.Fields{"user": id, "username": *upd.Username, "version": ev.Version}).Info("user created")
	return id, nil
}

// Update merges the present fields of upd onto user id.
func (s *UserService) Update(ctx context.Context, id string, upd domain.UserUpdate) (err error) {
	ctx, span := s.span(ctx, "command.UpdateUser", id)
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.store.GetUser(ctx, id)
	if err != nil {
		return domain.Persistence("load user", err)
	}
	if current == nil {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if upd.Empty() {
		return nil
	}
	trimIdentity(&upd)
	if upd.Username != nil {
		if err := requireField("username", upd.Username); err != nil {
			return err
		}
	}
	if upd.Email != nil {
		if err := requireField("email", upd.Email); err != nil {
			return err
		}
	}
	if err := s.checkUser(ctx, id, upd); err != nil {
		return err
	}

	upd.ID = ""
	if _, err := s.commit(ctx, id, domain.UserUpdated, upd); err != nil {
		return err
	}
	upd.ID = id
	if err := s.store.SaveUser(ctx, upd); err != nil {
		return domain.Persistence("project user", err)
	}
	return nil
}

// Delete removes user id, recording a snapshot of it in the event.
func (s *UserService) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.span(ctx, "command.DeleteUser", id)
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.store.GetUser(ctx, id)
	if err != nil {
		return domain.Persistence("load user", err)
	}
	if current == nil {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if current.Username == domain.AdminUsername {
		return domain.Invalid("user", "the admin user cannot be deleted")
	}

	snapshot := *current
	snapshot.PasswordHash = ""
	payload := domain.UserDeletedEventData{
		DeletedUser:  &snapshot,
		DeletedAt:    s.now().UTC(),
		DeletionType: domain.DeletionUserRequested,
	}
	if _, err := s.commit(ctx, id, domain.UserDeleted, payload); err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return domain.Persistence("project user", err)
	}
	log.WithFields(log.Fields{"user": id, "username": current.Username}).Info("user deleted")
	return nil
}

// Get returns the projected user or nil when it does not exist.
func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *UserService) List(ctx context.Context) ([]domain.User, error) {
	return s.store.ListUsers(ctx)
}

// checkUser enforces role existence and username/email uniqueness. selfID is
// excluded from the uniqueness scan.
func (s *UserService) checkUser(ctx context.Context, selfID string, upd domain.UserUpdate) error {
	if upd.Role != nil {
		role, err := s.store.GetRole(ctx, *upd.Role)
		if err != nil {
			return domain.Persistence("load role", err)
		}
		if role == nil {
			return domain.Invalid("role", fmt.Sprintf("unknown role %q", *upd.Role))
		}
	}
	if upd.Username == nil && upd.Email == nil {
		return nil
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return domain.Persistence("list users", err)
	}
	for _, u := range users {
		if u.ID == selfID {
			continue
		}
		if upd.Username != nil && strings.TrimSpace(u.Username) == *upd.Username {
			return domain.Invalid("username", "username already in use")
		}
		if upd.Email != nil && strings.EqualFold(strings.TrimSpace(u.Email), *upd.Email) {
			return domain.Invalid("email", "email already in use")
		}
	}
	return nil
}

// trimIdentity strips surrounding whitespace from the fields that must be
// unique, so the stored values are the ones compared.
func trimIdentity(upd *domain.UserUpdate) {
	if upd.Username != nil {
		upd.Username = domain.Ptr(strings.TrimSpace(*upd.Username))
	}
	if upd.Email != nil {
		upd.Email = domain.Ptr(strings.TrimSpace(*upd.Email))
	}
}

func requireField(name string, v *string) error {
	if v == nil || strings.TrimSpace(*v) == "" {
		return domain.Invalid(name, name+" is required")
	}
	return nil
}
