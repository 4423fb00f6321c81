package policy

import "github.com/google/uuid"

// FromName builds the Composed validator/selector chain for a queue's
// configured policy string (storage.Queue.Policy). Every policy shares the
// same validator chain (blocklist + membership, max concurrent); only the
// selector varies.
//
// Recognized names: "round_robin", "random", "weighted_expertise",
// "redundancy". An unrecognized name falls back to round_robin rather than
// failing dispatch outright.
func FromName(queueID uuid.UUID, name string) Composed {
	validators := []Validator{
		BlockedValidator{QueueID: queueID},
		MaxConcurrentValidator{},
	}

	var selector Selector
	switch name {
	case "random":
		selector = Random{}
	case "weighted_expertise":
		selector = WeightedExpertise{}
	case "redundancy":
		selector = Redundancy{}
	default:
		selector = RoundRobin{}
	}

	return Composed{Validators: validators, Selector: selector}
}

// DefaultRequeuePolicy is the fallback requeue policy applied to queues
// that don't carry a more specific configuration (§4.4, §4.7). Allows up
// to three requeue attempts before the assignment is archived.
func DefaultRequeuePolicy() RequeuePolicy {
	return RequeuePolicy{
		Kind:             RequeueAlways,
		MaxAttempts:      3,
		RequeueDelay:     0,
		AllowSameLabeler: true,
	}
}
