// Package identity resolves the user the enrichment worker acts as and the
// graph authorizations that user holds.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/graphproperty/pkg/graph"
)

// DefaultSystemUser is the username of the fallback identity.
const DefaultSystemUser = "system"

// ErrUserNotFound is returned when a username has no entry in the repository.
var ErrUserNotFound = errors.New("user not found")

// User is an identity under which analyzers run.
type User struct {
	Username    string
	DisplayName string
}

// UserProvider supplies the system identity used when no override is configured.
type UserProvider interface {
	SystemUser(ctx context.Context) (*User, error)
}

// UserRepository looks up users and their graph authorizations.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	Authorizations(ctx context.Context, user *User) (graph.Authorizations, error)
}

// StaticStore is a UserProvider and UserRepository backed by a fixed table.
type StaticStore struct {
	mu     sync.RWMutex
	system string
	users  map[string][]string
}

var (
	_ UserProvider   = (*StaticStore)(nil)
	_ UserRepository = (*StaticStore)(nil)
)

// NewStaticStore creates a store whose system user is systemUser. users maps
// usernames to their visibility labels. The system user is added with no
// labels if it is missing from users.
func NewStaticStore(systemUser string, users map[string][]string) *StaticStore {
	if systemUser == "" {
		systemUser = DefaultSystemUser
	}

	table := make(map[string][]string, len(users)+1)
	for name, auths := range users {
		table[name] = append([]string(nil), auths...)
	}

	if _, ok := table[systemUser]; !ok {
		table[systemUser] = nil
	}

	return &StaticStore{system: systemUser, users: table}
}

func (s *StaticStore) SystemUser(ctx context.Context) (*User, error) {
	return s.FindByUsername(ctx, s.system)
}

func (s *StaticStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[username]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	return &User{Username: username, DisplayName: username}, nil
}

func (s *StaticStore) Authorizations(_ context.Context, user *User) (graph.Authorizations, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrUserNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	auths, ok := s.users[user.Username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, user.Username)
	}

	return graph.Authorizations(append([]string(nil), auths...)), nil
}

// Resolve returns the effective user and its authorizations. A non-empty
// override names the user to act as; otherwise the provider's system user is used.
func Resolve(ctx context.Context, provider UserProvider, repo UserRepository, override string) (*User, graph.Authorizations, error) {
	var (
		user *User
		err  error
	)

	if override != "" {
		user, err = repo.FindByUsername(ctx, override)
	} else {
		user, err = provider.SystemUser(ctx)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	auths, err := repo.Authorizations(ctx, user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load authorizations for %s: %w", user.Username, err)
	}

	return user, auths, nil
}
