// Package uuid provides job ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/brandlens/crawler/internal/crawler"
)

// Generator creates UUID v7 strings. Time-ordered IDs keep job listings in
// submission order without a secondary sort key.
type Generator struct{}

var _ crawler.IDGenerator = Generator{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
