package fusion

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoseUnavailable is returned by Locate when no anchor pose has been
// observed for a source yet.
var ErrPoseUnavailable = errors.New("anchor pose unavailable")

// Registry holds the latest observed anchor pose of every auxiliary rig.
// Writers are driven by the reference tracker's frames, readers are the rig
// mergers. Poses are stored and returned by value under a RWMutex, so a
// reader always sees a position and rotation from the same Update.
type Registry struct {
	mu    sync.RWMutex
	poses map[string]Pose
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{poses: make(map[string]Pose)}
}

// Update records pose as the latest anchor of sourceID, replacing any
// previous value.
func (r *Registry) Update(sourceID string, pose Pose) error {
	if sourceID == "" {
		return fmt.Errorf("update anchor: empty source id")
	}
	if err := pose.Validate(); err != nil {
		return fmt.Errorf("update anchor for %s: %w", sourceID, err)
	}
	pose.Rotation = normalizeRotation(pose.Rotation)

	r.mu.Lock()
	r.poses[sourceID] = pose
	r.mu.Unlock()
	return nil
}

// Locate returns the latest anchor pose of sourceID, or ErrPoseUnavailable.
func (r *Registry) Locate(sourceID string) (Pose, error) {
	r.mu.RLock()
	pose, ok := r.poses[sourceID]
	r.mu.RUnlock()
	if !ok {
		return Pose{}, fmt.Errorf("%w for %s", ErrPoseUnavailable, sourceID)
	}
	return pose, nil
}

// Snapshot returns a copy of all known anchors.
func (r *Registry) Snapshot() map[string]Pose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Pose, len(r.poses))
	for k, v := range r.poses {
		out[k] = v
	}
	return out
}
