// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/gcwallet/commitment"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/registry"
)

// ErrStillProcessing is returned by the await-commit activity while the
// registry still reports the transaction as pending. It is not an error
// condition: the activity is rescheduled without consuming retry budget.
var ErrStillProcessing = errors.New("registry still processing transaction")

// errLostClaim is returned by a worker whose claim on an activity was
// recovered by the janitor before its completion committed. The worker's
// transaction rolls back and the work is dropped; the activity belongs
// to whoever claims it next.
var errLostClaim = errors.New("lost claim on activity")

// FatalError aborts a pipeline without retry. Reason is the classified,
// non-leaking failure reason recorded in the request status; Err carries
// the full cause for logging only.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps an error as a fatal pipeline failure with a classified
// reason
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// Failure reasons surfaced through request status
const (
	ReasonIntegrityViolation = "internal consistency error"
	ReasonLedgerRejection    = "transaction rejected by registry"
	ReasonRetriesExhausted   = "operation could not be completed"
	ReasonQuantityMismatch   = "claim quantities do not match"
	ReasonInsufficient       = "insufficient certificate quantity"
	ReasonNotYetAvailable    = "certificate quantity not yet available"
)

// classify maps an activity error into the retry taxonomy. Integrity
// violations, quantity mismatches, underivable keys, and outright
// registry rejections are fatal; everything else, including database and
// network faults, is transient and subject to the bounded retry policy.
func classify(err error) error {
	var fatalErr *FatalError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStillProcessing):
		return err
	case errors.Is(err, errLostClaim):
		return err
	case errors.As(err, &fatalErr):
		return err
	case errors.Is(err, database.ErrStateMismatch),
		errors.Is(err, database.ErrIllegalTransition):
		return Fatal(ReasonIntegrityViolation, err)
	case errors.Is(err, commitment.ErrQuantityMismatch),
		errors.Is(err, commitment.ErrQuantityOutOfRange):
		return Fatal(ReasonIntegrityViolation, err)
	case errors.Is(err, keystore.ErrKeyNotDerivable):
		return Fatal(ReasonIntegrityViolation, err)
	case errors.Is(err, registry.ErrRejected):
		return Fatal(ReasonLedgerRejection, err)
	default:
		return err
	}
}
