package notifications

import (
	"context"
	"fmt"
)

// ReadMarker marks a notification read on the backend.
type ReadMarker interface {
	MarkNotificationRead(ctx context.Context, id string) error
}

// MarkReadRemote marks id read on the backend and, only if that succeeds,
// in the store. It reports whether the local record changed.
func (s *Store) MarkReadRemote(ctx context.Context, remote ReadMarker, id string) (bool, error) {
	if err := remote.MarkNotificationRead(ctx, id); err != nil {
		return false, fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return s.MarkRead(id)
}
