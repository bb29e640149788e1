package util

import (
	"fmt"

	"github.com/google/uuid"
)

func NewID() uuid.UUID {
	return uuid.New()
}

func ParseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse id %q: %w", raw, err)
	}
	return id, nil
}
