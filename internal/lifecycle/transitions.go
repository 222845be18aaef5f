package lifecycle

import (
	"fmt"

	"github.com/clinisafe/compliance-engine/internal/database"
)

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid alert transition from %s to %s", e.From, e.To)
}

// transitions is the full status graph. CLOSED is terminal.
var transitions = map[string][]string{
	database.StatusNew:        {database.StatusInProgress, database.StatusResolved, database.StatusEscalated},
	database.StatusInProgress: {database.StatusResolved, database.StatusEscalated},
	database.StatusResolved:   {database.StatusClosed},
	database.StatusEscalated:  {database.StatusResolved, database.StatusClosed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError when from -> to
// is not in the status graph.
func ValidateTransition(from, to string) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
