package liveness

import (
	"fmt"
	"sort"
	"strings"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/protocol"
)

// Transition is the effect of one status observation on membership.
type Transition int

const (
	// Unchanged means membership did not change.
	Unchanged Transition = iota
	// Died means the node entered the dead set.
	Died
	// Revived means the node left the dead set.
	Revived
)

func (t Transition) String() string {
	switch t {
	case Died:
		return "died"
	case Revived:
		return "revived"
	default:
		return "unchanged"
	}
}

// Callback receives the ids that newly entered the dead set.
type Callback func(nodeIDs []string) error

// DeadSet tracks which nodes currently report a failure status.
type DeadSet struct {
	members map[string]struct{}
}

// NewDeadSet creates an empty dead set.
func NewDeadSet() *DeadSet {
	return &DeadSet{members: make(map[string]struct{})}
}

// Observe applies a node's latest status and returns the resulting edge.
func (d *DeadSet) Observe(nodeID string, status protocol.Status) Transition {
	_, was := d.members[nodeID]
	failed := status.IsFailure()

	switch {
	case failed && !was:
		d.members[nodeID] = struct{}{}
		return Died
	case !failed && was:
		delete(d.members, nodeID)
		return Revived
	default:
		return Unchanged
	}
}

// Remove drops a node without notification. It reports whether the node
// was a member.
func (d *DeadSet) Remove(nodeID string) bool {
	_, ok := d.members[nodeID]
	delete(d.members, nodeID)
	return ok
}

// Contains reports whether the node is dead.
func (d *DeadSet) Contains(nodeID string) bool {
	_, ok := d.members[nodeID]
	return ok
}

// Members returns the dead ids sorted.
func (d *DeadSet) Members() []string {
	ids := make([]string, 0, len(d.members))
	for id := range d.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of dead nodes.
func (d *DeadSet) Len() int {
	return len(d.members)
}

// Notify invokes every callback with ids, in order. A returned error or a
// panic in one callback is captured and does not stop the others. The
// captured failures are returned as CALLBACK_FAILED errors.
func Notify(callbacks []Callback, nodeIDs []string) []error {
	var errs []error
	for _, cb := range callbacks {
		if err := invoke(cb, nodeIDs); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(cb Callback, nodeIDs []string) (err error) {
	ids := make([]string, len(nodeIDs))
	copy(ids, nodeIDs)

	defer func() {
		if r := recover(); r != nil {
			err = fleeterrors.CallbackFailed(fmt.Errorf("panic: %v", r),
				fleeterrors.WithMetadata("node_ids", strings.Join(ids, ",")))
		}
	}()

	if cbErr := cb(ids); cbErr != nil {
		return fleeterrors.CallbackFailed(cbErr, fleeterrors.WithMetadata("node_ids", strings.Join(ids, ",")))
	}
	return nil
}
