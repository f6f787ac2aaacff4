package contract

import (
	"fmt"

	"github.com/aspect-build/teegate/internal/server/db"
)

// OverwritePolicy decides whether a successful re-registration may replace
// the identity's current worker record.
type OverwritePolicy interface {
	AllowOverwrite(identity string, previous, next db.Worker) error
}

// OverwritePolicyFunc adapts a function to OverwritePolicy.
type OverwritePolicyFunc func(identity string, previous, next db.Worker) error

func (f OverwritePolicyFunc) AllowOverwrite(identity string, previous, next db.Worker) error {
	return f(identity, previous, next)
}

// AllowAllOverwrites lets every re-registration replace the previous record,
// including a move to a different approved codehash.
var AllowAllOverwrites OverwritePolicy = OverwritePolicyFunc(func(string, db.Worker, db.Worker) error {
	return nil
})

// SameCodehashOnly refuses re-registrations that change the worker's codehash.
var SameCodehashOnly OverwritePolicy = OverwritePolicyFunc(func(identity string, previous, next db.Worker) error {
	if previous.Codehash != next.Codehash {
		return fmt.Errorf("%s is registered with codehash %s, refusing %s", identity, previous.Codehash, next.Codehash)
	}
	return nil
})
