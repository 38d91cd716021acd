package character

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup, update, or delete names a character
// that does not exist.
var ErrNotFound = errors.New("character: not found")

// ErrDuplicateName is returned by Create when a character with the same name
// already exists.
var ErrDuplicateName = errors.New("character: name already exists")

// ErrConflict is returned by Update when the caller's expectedUpdatedAt does
// not match the character's current LastModified: someone else updated it
// first.
type ErrConflict struct {
	Name string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("character: %q was modified concurrently", e.Name)
}

// Store provides CRUD operations for characters. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create inserts a new character. Returns ErrDuplicateName if a
	// character with the same name already exists.
	Create(ctx context.Context, c *Character) error

	// Get retrieves a character by name. Returns ErrNotFound if absent.
	Get(ctx context.Context, name string) (*Character, error)

	// Update replaces an existing character. If expectedUpdatedAt is
	// non-zero and does not match the stored LastModified, returns
	// *ErrConflict without mutating anything. Returns ErrNotFound if the
	// character does not exist.
	Update(ctx context.Context, c *Character, expectedUpdatedAt int64) error

	// Delete removes a character by name. Deleting a non-existent character
	// is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all characters, ordered by name.
	List(ctx context.Context) ([]Character, error)

	// Exists reports whether a character with the given name exists. It
	// satisfies registry.ExistsFunc.
	Exists(ctx context.Context, name string) bool
}
