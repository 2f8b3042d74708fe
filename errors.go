package main

import "net/http"

// GameError is a precondition violation: wrong phase, bad actor, invalid
// target. It carries the HTTP status the transport should answer with and
// is never retried. Collaborator failures are not GameErrors; the engines
// recover from those locally.
type GameError struct {
	Status int
	Reason string
}

func (e *GameError) Error() string { return e.Reason }

func errBadRequest(reason string) *GameError {
	return &GameError{Status: http.StatusBadRequest, Reason: reason}
}

func errForbidden(reason string) *GameError {
	return &GameError{Status: http.StatusForbidden, Reason: reason}
}

func errNotFound(reason string) *GameError {
	return &GameError{Status: http.StatusNotFound, Reason: reason}
}
