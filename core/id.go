package core

import "github.com/google/uuid"

func newSessionID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return "session-unknown"
	}
	return id.String()
}
