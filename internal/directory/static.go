// Package directory resolves user IDs to the role they act under. Roles are
// read from a static YAML file or from the item store, optionally behind a
// TTL cache.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/listflow/model"
)

type directoryFile struct {
	Users []model.User `yaml:"users"`
}

// StaticDirectory resolves users from a YAML file of the form:
//
//	users:
//	  - id: u-ana
//	    name: Ana
//	    role: PHOTOGRAPHER
type StaticDirectory struct {
	path  string
	mu    sync.RWMutex
	users map[string]model.User
}

// NewStaticDirectory creates a directory that loads users from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// GetUser returns the user with the given ID.
func (d *StaticDirectory) GetUser(_ context.Context, userID string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return model.User{}, model.NewNotFoundError(
			fmt.Sprintf("user %q not found", userID),
		).With(model.CtxUserID, userID)
	}
	return u, nil
}

// Len returns the number of loaded users.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Sync reloads the directory file from disk. Entries with an unknown role are
// rejected so a typo cannot silently lock a worker out.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}

	users := make(map[string]model.User, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("directory: %s: users[%d] has no id", d.path, i)
		}
		role, ok := model.ParseRole(string(u.Role))
		if !ok {
			return fmt.Errorf("directory: %s: user %q has unknown role %q", d.path, u.ID, u.Role)
		}
		u.Role = role
		users[u.ID] = u
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()

	return nil
}
