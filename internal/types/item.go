package types

import "time"

// Item is an object on the desk, either requested by a job or seen by the camera.
// Identity is Type: two items of the same type are indistinguishable.
type Item struct {
	Type      string  `json:"type"`
	Placement string  `json:"placement,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	// HasPosition is false for job entries, which carry no coordinates
	HasPosition bool `json:"has_position"`
	// HasZ is set once a depth lookup augmented the item
	HasZ bool `json:"has_z"`
	// Rotated is true when the detection box is wider than tall
	Rotated bool `json:"rotated"`
}

// WithZ returns a copy of the item augmented with a height
func (i Item) WithZ(z float64) Item {
	i.Z = z
	i.HasZ = true
	return i
}

// ItemFromDetection converts a detection to an Item at the box centre
func ItemFromDetection(d Detection) Item {
	x, y := d.Center()
	return Item{
		Type:        d.Label,
		X:           x,
		Y:           y,
		HasPosition: true,
		Rotated:     d.Wide(),
	}
}

// FrameSnapshot is the set of items visible in one vision cycle
type FrameSnapshot struct {
	Items      []Item    `json:"items"`
	CapturedAt time.Time `json:"captured_at"`
	TraceID    string    `json:"trace_id,omitempty"`
	// Image is the frame the items were detected in (nil for empty snapshots)
	Image *Image `json:"-"`
	// Degraded marks a snapshot taken without a frame; its emptiness says
	// nothing about the work area
	Degraded bool `json:"degraded,omitempty"`
}

// Empty reports whether nothing was seen
func (s FrameSnapshot) Empty() bool {
	return len(s.Items) == 0
}

// Types returns the set of item types in the snapshot
func (s FrameSnapshot) Types() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Items))
	for _, it := range s.Items {
		set[it.Type] = struct{}{}
	}
	return set
}

// Contains reports whether an item of the given type is visible
func (s FrameSnapshot) Contains(itemType string) bool {
	for _, it := range s.Items {
		if it.Type == itemType {
			return true
		}
	}
	return false
}

// Clone returns a snapshot sharing no memory with the receiver
func (s FrameSnapshot) Clone() FrameSnapshot {
	out := s
	if s.Items != nil {
		out.Items = make([]Item, len(s.Items))
		copy(out.Items, s.Items)
	}
	if s.Image != nil {
		img := s.Image.Clone()
		out.Image = &img
	}
	return out
}

// JobStatus is the lifecycle state stored with a job
type JobStatus string

const (
	JobIncomplete JobStatus = "Incomplete"
	JobInProgress JobStatus = "InProgress"
	JobComplete   JobStatus = "Complete"
)

// Job is an ordered list of items for one physical batch
type Job struct {
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`
	Items  []Item    `json:"items,omitempty"`
}

// Pose is an arm target: position in metres, orientation in radians
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Roll  float64 `json:"roll" yaml:"roll"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
}
