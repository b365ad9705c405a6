package types

import "time"

// Image is one captured camera frame
type Image struct {
	// Seq is the monotonic capture sequence number
	Seq uint64
	// Timestamp is when the frame was pulled from the source
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixels in RGB24 layout
	Data []byte
	// Source identifies the camera that produced the frame
	Source string
	// TraceID follows the frame through inference, depth and archiving
	TraceID string
}

// Clone returns a copy of the image that shares no memory with the receiver
func (i Image) Clone() Image {
	out := i
	if i.Data != nil {
		out.Data = make([]byte, len(i.Data))
		copy(out.Data, i.Data)
	}
	return out
}

// CloneImages deep-copies a capture batch
func CloneImages(in []Image) []Image {
	if in == nil {
		return nil
	}
	out := make([]Image, len(in))
	for n, img := range in {
		out[n] = img.Clone()
	}
	return out
}

// Detection is a single detector output.
// Box is normalized to [0,1] and ordered (top, left, bottom, right).
type Detection struct {
	Label string     `json:"label" msgpack:"label"`
	Score float64    `json:"score" msgpack:"score"`
	Box   [4]float64 `json:"box" msgpack:"box"`
}

// Center returns the normalized centre of the detection box
func (d Detection) Center() (x, y float64) {
	return (d.Box[1] + d.Box[3]) / 2, (d.Box[0] + d.Box[2]) / 2
}

// Wide reports whether the box is wider than it is tall
func (d Detection) Wide() bool {
	return (d.Box[3] - d.Box[1]) > (d.Box[2] - d.Box[0])
}

// CloneDetections copies a detector result
func CloneDetections(in []Detection) []Detection {
	if in == nil {
		return nil
	}
	out := make([]Detection, len(in))
	copy(out, in)
	return out
}
