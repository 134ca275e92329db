package service

import (
	"fmt"

	"github.com/ebuilderhost/provisioner/internal/models"
)

// transitions is the full instance lifecycle. Deleted is terminal. A
// failed instance keeps its subdomain and port until an operator retries
// or terminates it.
var transitions = map[string][]string{
	models.StatusPending:        {models.StatusProvisioning, models.StatusFailed, models.StatusTerminating},
	models.StatusProvisioning:   {models.StatusRunning, models.StatusFailed, models.StatusTerminating},
	models.StatusRunning:        {models.StatusSuspended, models.StatusPastDueWarning, models.StatusFailed, models.StatusTerminating},
	models.StatusSuspended:      {models.StatusProvisioning, models.StatusRunning, models.StatusFailed, models.StatusTerminating},
	models.StatusPastDueWarning: {models.StatusRunning, models.StatusSuspended, models.StatusFailed, models.StatusTerminating},
	models.StatusFailed:         {models.StatusProvisioning, models.StatusTerminating},
	models.StatusTerminating:    {models.StatusDeleted, models.StatusFailed},
	models.StatusDeleted:        {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition for illegal moves.
func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
