// Package objectstore holds generated artifact content outside the database.
// Artifact rows carry only the object key.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no object exists under key.
var ErrNotFound = errors.New("objectstore: not found")

// Store puts and gets whole objects by key.
type Store interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ArtifactKey is the object key for an artifact's content. Keys are stable
// for a given experiment, iteration and artifact name so a rebuilt artifact
// overwrites rather than duplicates.
func ArtifactKey(teamID, experimentID uuid.UUID, iteration int, name string) string {
	return fmt.Sprintf("teams/%s/experiments/%s/iterations/%d/%s",
		teamID, experimentID, iteration, sanitize(name))
}

func sanitize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "artifact"
	}
	return b.String()
}
