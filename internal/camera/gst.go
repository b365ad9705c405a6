// Package camera provides frame sources for the vision cell.
//
// GstSource pulls RGB frames from a GStreamer pipeline ending in an appsink
// named "sink". Frames are pulled on demand: the cell only needs a frame at
// the start of each cycle, so the appsink keeps just the latest buffer.
//
// When the pipeline reports EOS or an error, or a pull times out, Capture
// returns types.ErrConnectionLost and a background goroutine rebuilds the
// pipeline with exponential backoff. Captures during the rebuild also
// return ErrConnectionLost; a capture after a round gave up starts a new one.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/BMS-GM/pick-point/internal/types"
)

// GstConfig configures a GStreamer camera
type GstConfig struct {
	Name string
	// Pipeline is a gst-launch description ending in "appsink name=sink"
	// with video/x-raw,format=RGB caps at Width x Height.
	Pipeline    string
	Width       int
	Height      int
	PullTimeout time.Duration // default 2s
	Reconnect   ReconnectConfig
}

// GstStats is a snapshot of the camera counters
type GstStats struct {
	Connected  bool   `json:"connected"`
	Frames     uint64 `json:"frames"`
	BytesRead  uint64 `json:"bytes_read"`
	Losses     uint64 `json:"losses"`
	Reconnects uint32 `json:"reconnect_attempts"`
}

// GstSource is a CameraSource backed by a GStreamer appsink
type GstSource struct {
	cfg GstConfig

	mu        sync.Mutex
	pipeline  *gst.Pipeline
	sink      *app.Sink
	connected bool
	heal      *healer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq        atomic.Uint64
	bytesRead  atomic.Uint64
	losses     atomic.Uint64
	reconnects atomic.Uint32
}

// NewGst validates the configuration. Call Start to open the pipeline.
func NewGst(cfg GstConfig) (*GstSource, error) {
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("camera %s: pipeline description is required", cfg.Name)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera %s: invalid resolution %dx%d", cfg.Name, cfg.Width, cfg.Height)
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 2 * time.Second
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	s := &GstSource{cfg: cfg}
	s.heal = newHealer(cfg.Name, cfg.Reconnect, s.open, &s.reconnects)
	return s, nil
}

// Start opens the pipeline, retrying with backoff
func (s *GstSource) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	if err := runWithReconnect(ctx, s.cfg.Name, s.open, s.cfg.Reconnect, &s.reconnects); err != nil {
		s.cancel()
		return err
	}
	return nil
}

// open builds the pipeline and sets it playing
func (s *GstSource) open(ctx context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(s.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to parse pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("pipeline has no appsink named sink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.sink = sink
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitorBus(pipeline)

	slog.Info("camera pipeline playing", "camera", s.cfg.Name, "width", s.cfg.Width, "height", s.cfg.Height)
	return nil
}

// Capture pulls n frames from the appsink
func (s *GstSource) Capture(ctx context.Context, n int) ([]types.Image, error) {
	s.mu.Lock()
	sink, connected, runCtx := s.sink, s.connected, s.ctx
	s.mu.Unlock()

	if !connected || sink == nil {
		if runCtx != nil && s.heal.trigger(runCtx) {
			slog.Info("camera still down, starting a new reconnection round", "camera", s.cfg.Name)
		}
		return nil, types.ErrConnectionLost
	}

	out := make([]types.Image, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sample := sink.TryPullSample(s.cfg.PullTimeout)
		if sample == nil {
			reason := "pull timeout"
			if sink.IsEOS() {
				reason = "end of stream"
			}
			s.lost(reason)
			return nil, types.ErrConnectionLost
		}

		img, ok := s.toImage(sample)
		if !ok {
			continue
		}
		out = append(out, img)
	}
	return out, nil
}

// toImage copies the sample buffer; GStreamer reuses it after Unmap
func (s *GstSource) toImage(sample *gst.Sample) (types.Image, bool) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("camera sample without buffer, skipping", "camera", s.cfg.Name)
		return types.Image{}, false
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("camera buffer empty, skipping", "camera", s.cfg.Name)
		return types.Image{}, false
	}
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	s.bytesRead.Add(uint64(len(pixels)))

	return types.Image{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      pixels,
		Source:    s.cfg.Name,
		TraceID:   uuid.New().String(),
	}, true
}

// monitorBus watches for EOS and errors on the pipeline bus
func (s *GstSource) monitorBus(pipeline *gst.Pipeline) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		current := s.pipeline == pipeline
		s.mu.Unlock()
		if !current {
			return
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.lost("end of stream")
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("camera pipeline error", "camera", s.cfg.Name, "error", gerr.Error(), "debug", gerr.DebugString())
			s.lost("pipeline error")
			return
		}
	}
}

// lost tears the pipeline down once and starts a reconnection round
func (s *GstSource) lost(reason string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	pipeline := s.pipeline
	runCtx := s.ctx
	s.connected = false
	s.pipeline = nil
	s.sink = nil
	s.mu.Unlock()

	s.losses.Add(1)
	slog.Warn("camera connection lost", "camera", s.cfg.Name, "reason", reason)

	if pipeline != nil {
		_ = pipeline.SetState(gst.StateNull)
	}
	s.heal.trigger(runCtx)
}

// Stats returns the camera counters
func (s *GstSource) Stats() GstStats {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()

	return GstStats{
		Connected:  connected,
		Frames:     s.seq.Load(),
		BytesRead:  s.bytesRead.Load(),
		Losses:     s.losses.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Stop cancels reconnection and sets the pipeline to NULL
func (s *GstSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.heal.stop()

	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.sink = nil
	s.connected = false
	s.mu.Unlock()

	var err error
	if pipeline != nil {
		err = pipeline.SetState(gst.StateNull)
	}
	s.wg.Wait()

	slog.Info("camera stopped", "camera", s.cfg.Name, "frames", s.seq.Load(), "losses", s.losses.Load())
	return err
}
