package models

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ErrDuplicateEntry is returned when two entries share an id
var ErrDuplicateEntry = errors.New("duplicate entry id")

// Validate checks the structural rules of the input and the rules the struct
// tags cannot express: unique entry ids and unique attendees per entry.
// Constraints without a weight get DefaultConstraintWeight.
func (in *OptimizeInput) Validate() error {
	for i := range in.Constraints {
		if in.Constraints[i].Weight == 0 {
			in.Constraints[i].Weight = DefaultConstraintWeight
		}
	}
	if err := validatorInstance().Struct(in); err != nil {
		return err
	}

	seen := make(map[string]bool, len(in.Entries))
	for _, e := range in.Entries {
		if seen[e.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		seen[e.ID] = true

		users := make(map[string]bool, len(e.Attendees))
		for _, a := range e.Attendees {
			if users[a.UserID] {
				return fmt.Errorf("entry %s: user %s attends twice", e.ID, a.UserID)
			}
			users[a.UserID] = true
		}
	}
	return nil
}

// Validate checks the parameter ranges
func (p AlgorithmParameters) Validate() error {
	return validatorInstance().Struct(p)
}

// EntryIDs returns the entry ids in input order
func EntryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
