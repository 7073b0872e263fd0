package orchestrators

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"studio/internal/application/datasync"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/domain/account"
)

// UserStore defines the persistence needed by the user operations.
type UserStore interface {
	InsertUser(ctx context.Context, u account.User) (datasync.Mode, error)
	DeleteUserCascade(ctx context.Context, userID string) (datasync.Mode, error)
}

// UserDeps holds dependencies for the user operations.
type UserDeps struct {
	Collections *state.Collections
	Store       UserStore
	Refresher   Refresher
	GenerateID  func() string
	Now         func() time.Time
}

// CreateUserInput carries input for ExecuteCreateUser.
type CreateUserInput struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
	Role      string // defaults to member
	Actor     Actor
}

// UserResult carries the user after an operation and where it was saved.
type UserResult struct {
	User account.User
	Mode datasync.Mode
}

// ExecuteCreateUser registers a new user.
// PRE: Actor is an admin
// POST: User held in memory and persisted with a hashed password and derived username
// INVARIANT: Email and username are unique
func ExecuteCreateUser(ctx context.Context, input CreateUserInput, deps UserDeps) (UserResult, error) {
	if !input.Actor.IsAdmin {
		return UserResult{}, ErrForbidden
	}
	return createUser(ctx, input, deps)
}

func createUser(ctx context.Context, input CreateUserInput, deps UserDeps) (UserResult, error) {
	email := account.NormalizeEmail(input.Email)
	if _, taken := deps.Collections.UserByEmail(email); taken {
		return UserResult{}, ErrEmailTaken
	}
	role := input.Role
	if role == "" {
		role = account.RoleMember
	}

	u := account.User{
		ID:        deps.GenerateID(),
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Email:     email,
		Role:      role,
		CreatedAt: deps.Now(),
	}
	u.Username = account.UniqueUsername(account.BaseUsername(u.FirstName, u.LastName), func(name string) bool {
		_, taken := deps.Collections.UserByUsername(name)
		return taken
	})
	if err := u.Validate(); err != nil {
		return UserResult{}, err
	}
	if err := u.SetPassword(input.Password); err != nil {
		return UserResult{}, err
	}

	deps.Collections.PutUser(u)
	mode, err := deps.Store.InsertUser(ctx, u)
	if err != nil {
		deps.Collections.RemoveUser(u.ID)
		slog.Error("auth_event", "event", "create_user_rolled_back", "email", u.Email, "kind", ErrorKind(err), "error", err)
		return UserResult{Mode: mode}, err
	}

	slog.Info("auth_event", "event", "user_created", "user_id", u.ID, "username", u.Username, "role", u.Role, "mode", string(mode))
	deps.Refresher.Dispatch(ctx, projections.Mutation{Kind: projections.UserAdded, UserID: u.ID, ActorIsAdmin: true})
	return UserResult{User: u, Mode: mode}, nil
}

// ExecuteSeedAdmin creates the first admin when no users exist.
// PRE: Load has run
// POST: Admin user created if the user collection was empty
func ExecuteSeedAdmin(ctx context.Context, deps UserDeps, firstName, lastName, email, password string) error {
	if deps.Collections.UserCount() > 0 {
		return nil
	}
	res, err := createUser(ctx, CreateUserInput{
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Password:  password,
		Role:      account.RoleAdmin,
	}, deps)
	if err != nil {
		return err
	}
	slog.Info("auth_event", "event", "admin_seeded", "username", res.User.Username)
	return nil
}

// DeleteUserInput carries input for ExecuteDeleteUser.
type DeleteUserInput struct {
	UserID    string
	Requester Actor
}

// DeleteUserResult reports the removed user and how many bookings went with them.
type DeleteUserResult struct {
	User            account.User
	RemovedBookings int
	Mode            datasync.Mode
}

// ExecuteDeleteUser removes a user and all their bookings.
// PRE: Requester is an admin other than the user
// POST: User and bookings removed from memory and store, or all restored
func ExecuteDeleteUser(ctx context.Context, input DeleteUserInput, deps UserDeps) (DeleteUserResult, error) {
	if !input.Requester.IsAdmin || input.Requester.ID == input.UserID {
		return DeleteUserResult{}, ErrForbidden
	}
	u, bookings, ok := deps.Collections.RemoveUser(input.UserID)
	if !ok {
		return DeleteUserResult{}, ErrNotFound
	}

	mode, err := deps.Store.DeleteUserCascade(ctx, u.ID)
	if err != nil {
		deps.Collections.RestoreUser(u, bookings)
		slog.Error("auth_event", "event", "delete_user_rolled_back", "user_id", u.ID, "kind", ErrorKind(err), "error", err)
		return DeleteUserResult{Mode: mode}, err
	}

	slog.Info("auth_event", "event", "user_deleted", "user_id", u.ID, "bookings", len(bookings), "requester_id", input.Requester.ID, "mode", string(mode))
	deps.Refresher.Dispatch(ctx, projections.Mutation{Kind: projections.UserDeleted, UserID: u.ID, ActorIsAdmin: true})
	return DeleteUserResult{User: u, RemovedBookings: len(bookings), Mode: mode}, nil
}

// LoginInput carries input for ExecuteLogin.
type LoginInput struct {
	Identifier string // username or email
	Password   string
}

// LoginResult carries the user info needed for a session.
type LoginResult struct {
	UserID   string
	Username string
	FullName string
	Role     string
}

// ExecuteLogin validates credentials against the loaded users.
// PRE: Load has run
// POST: Returns user info on success
func ExecuteLogin(_ context.Context, input LoginInput, collections *state.Collections) (LoginResult, error) {
	id := strings.TrimSpace(input.Identifier)
	if id == "" || input.Password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	u, ok := collections.UserByUsername(id)
	if !ok {
		u, ok = collections.UserByEmail(account.NormalizeEmail(id))
	}
	if !ok {
		slog.Info("auth_event", "event", "login_failed", "identifier", id, "reason", "not_found")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := u.CheckPassword(input.Password); err != nil {
		slog.Info("auth_event", "event", "login_failed", "user_id", u.ID, "reason", "wrong_password")
		return LoginResult{}, ErrInvalidCredentials
	}

	slog.Info("auth_event", "event", "login_success", "user_id", u.ID, "role", u.Role)
	return LoginResult{UserID: u.ID, Username: u.Username, FullName: u.FullName(), Role: u.Role}, nil
}
