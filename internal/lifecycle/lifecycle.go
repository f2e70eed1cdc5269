// Package lifecycle enforces the prediction status state machine.
package lifecycle

import "github.com/alanyoungcy/stakepool/internal/domain"

// transitions maps each status to the set of statuses it may move to.
// settled and refunded have no outgoing edges.
var transitions = map[domain.PredictionStatus]map[domain.PredictionStatus]bool{
	domain.StatusPending: {
		domain.StatusOpen:      true,
		domain.StatusCancelled: true,
	},
	domain.StatusOpen: {
		domain.StatusClosed:    true,
		domain.StatusCancelled: true,
	},
	domain.StatusClosed: {
		domain.StatusAwaitingSettlement: true,
		domain.StatusSettled:            true,
		domain.StatusDisputed:           true,
		domain.StatusCancelled:          true,
	},
	domain.StatusAwaitingSettlement: {
		domain.StatusSettled:   true,
		domain.StatusDisputed:  true,
		domain.StatusCancelled: true,
	},
	domain.StatusDisputed: {
		domain.StatusSettled:   true,
		domain.StatusCancelled: true,
		domain.StatusRefunded:  true,
	},
	domain.StatusCancelled: {
		domain.StatusRefunded: true,
	},
	domain.StatusSettled:  {},
	domain.StatusRefunded: {},
}

// Normalize maps the legacy "ended" status onto closed.
func Normalize(s domain.PredictionStatus) domain.PredictionStatus {
	if s == domain.StatusEnded {
		return domain.StatusClosed
	}
	return s
}

// Known reports whether s is a recognised status, including the legacy alias.
func Known(s domain.PredictionStatus) bool {
	_, ok := transitions[Normalize(s)]
	return ok
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to domain.PredictionStatus) bool {
	allowed, ok := transitions[Normalize(from)]
	if !ok {
		return false
	}
	return allowed[Normalize(to)]
}

// Validate returns an *domain.InvalidTransitionError when from -> to is not
// allowed.
func Validate(from, to domain.PredictionStatus) error {
	if !CanTransition(from, to) {
		return &domain.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Allowed returns the statuses reachable from s in one step.
func Allowed(s domain.PredictionStatus) []domain.PredictionStatus {
	order := []domain.PredictionStatus{
		domain.StatusPending,
		domain.StatusOpen,
		domain.StatusClosed,
		domain.StatusAwaitingSettlement,
		domain.StatusSettled,
		domain.StatusDisputed,
		domain.StatusCancelled,
		domain.StatusRefunded,
	}
	allowed := transitions[Normalize(s)]
	out := make([]domain.PredictionStatus, 0, len(allowed))
	for _, st := range order {
		if allowed[st] {
			out = append(out, st)
		}
	}
	return out
}

// AcceptsStakes reports whether reserve and consume are permitted.
func AcceptsStakes(s domain.PredictionStatus) bool {
	return Normalize(s) == domain.StatusOpen
}

// CanSettle reports whether settlement math may run from s.
func CanSettle(s domain.PredictionStatus) bool {
	switch Normalize(s) {
	case domain.StatusClosed, domain.StatusAwaitingSettlement, domain.StatusDisputed:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s domain.PredictionStatus) bool {
	allowed, ok := transitions[Normalize(s)]
	return ok && len(allowed) == 0
}
