package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BMS-GM/pick-point/internal/api"
	"github.com/BMS-GM/pick-point/internal/archive"
	"github.com/BMS-GM/pick-point/internal/arm"
	"github.com/BMS-GM/pick-point/internal/camera"
	"github.com/BMS-GM/pick-point/internal/config"
	"github.com/BMS-GM/pick-point/internal/control"
	"github.com/BMS-GM/pick-point/internal/depth"
	"github.com/BMS-GM/pick-point/internal/detector"
	"github.com/BMS-GM/pick-point/internal/emitter"
	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/jobstore"
	"github.com/BMS-GM/pick-point/internal/leader"
	"github.com/BMS-GM/pick-point/internal/observability"
	"github.com/BMS-GM/pick-point/internal/pyproc"
	"github.com/BMS-GM/pick-point/internal/types"
	"github.com/BMS-GM/pick-point/internal/vision"
)

// ErrLeaseLost is returned by Run when another controller took the arm
var ErrLeaseLost = errors.New("arm lease lost")

const healthInterval = 10 * time.Second

// jobBackend is what the cell needs from a job store
type jobBackend interface {
	types.JobStore
	JobResetter
	JobLister
	CreateJob(ctx context.Context, name string, items []types.Item) error
	Close() error
}

type closer struct {
	name  string
	close func() error
}

// Cell is the pickpointd service orchestrator
type Cell struct {
	cfg *config.Config

	// Core components
	gst         *camera.GstSource
	vision      *vision.Aggregator
	subprocs    []closer
	jobs        jobBackend
	arm         types.ArmController
	armBridge   *arm.MQTT
	mqtt        *emitter.MQTT
	hub         *emitter.Hub
	control     *control.Handler
	archiver    *archive.MinIO
	elector     *leader.Elector
	metrics     *observability.Registry
	api         *api.Server
	loop        *Loop
	stopTracing func(context.Context) error

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	failure   error
	cancelCtx context.CancelFunc
	runDone   chan struct{}
}

// NewCell loads the configuration and prepares the cell
func NewCell(configPath string) (*Cell, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"cell_id", cfg.CellID,
		"camera", cfg.Camera.Backend,
		"detector", cfg.Detector.Backend,
		"depth", cfg.Depth.Backend,
		"arm", cfg.Arm.Backend,
		"jobs", cfg.Jobs.Backend,
	)

	return NewCellFromConfig(cfg), nil
}

// NewCellFromConfig prepares a cell from a validated configuration.
// Components that talk to devices or servers are opened by Run.
func NewCellFromConfig(cfg *config.Config) *Cell {
	c := &Cell{
		cfg:     cfg,
		metrics: observability.NewRegistry(),
		hub:     emitter.NewHub(50),
	}
	c.api = api.NewServer(c, api.WithMetrics(c.metrics), api.WithEvents(c.hub))
	return c
}

// Run starts every component and blocks until the context is cancelled,
// Stop is called, a vision worker terminates or the arm lease is lost.
func (c *Cell) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("cell is already running")
	}
	c.isRunning = true
	c.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	slog.Info("pickpoint cell starting", "cell_id", c.cfg.CellID)

	if err := c.api.Start(c.cfg.API.Addr); err != nil {
		return fmt.Errorf("failed to start http api: %w", err)
	}

	stopTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Service:     "pickpointd",
		CellID:      c.cfg.CellID,
		Exporter:    c.cfg.Tracing.Exporter,
		Endpoint:    c.cfg.Tracing.Endpoint,
		Insecure:    c.cfg.Tracing.Insecure,
		SampleRatio: c.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	c.mu.Lock()
	c.stopTracing = stopTracing
	c.mu.Unlock()

	if err := c.acquireLease(ctx); err != nil {
		return err
	}
	if err := c.connectMQTT(ctx); err != nil {
		return err
	}
	if err := c.startVision(ctx); err != nil {
		return err
	}
	if err := c.openJobs(ctx); err != nil {
		return err
	}
	if err := c.startArm(ctx); err != nil {
		return err
	}
	if err := c.openArchive(ctx); err != nil {
		return err
	}
	if err := c.buildLoop(); err != nil {
		return err
	}
	if err := c.startControl(ctx); err != nil {
		return err
	}

	loopErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		loopErr <- c.loop.Run(ctx)
	}()

	// Start health watchdog
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchCell(ctx, cancel)
	}()

	slog.Info("pickpoint cell running",
		"api", c.api.Addr(),
		"cycle_interval", c.cfg.CycleInterval,
	)

	err = <-loopErr
	cancel()
	if err != nil {
		return fmt.Errorf("control loop stopped: %w", err)
	}

	c.mu.RLock()
	failure := c.failure
	c.mu.RUnlock()
	if failure != nil {
		return failure
	}

	slog.Info("cell run loop exiting")
	return nil
}

func (c *Cell) acquireLease(ctx context.Context) error {
	if len(c.cfg.Leader.Endpoints) == 0 {
		return nil
	}

	elector, err := leader.New(leader.Config{
		Endpoints: c.cfg.Leader.Endpoints,
		Key:       c.cfg.Leader.Key,
		TTL:       c.cfg.Leader.TTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create elector: %w", err)
	}
	c.mu.Lock()
	c.elector = elector
	c.mu.Unlock()

	if err := elector.Campaign(ctx); err != nil {
		return fmt.Errorf("failed to acquire arm lease: %w", err)
	}
	return nil
}

func (c *Cell) connectMQTT(ctx context.Context) error {
	if c.cfg.MQTT.Broker == "" {
		slog.Info("no mqtt broker configured, events and control plane disabled")
		return nil
	}

	m := emitter.NewMQTT(c.cfg.MQTT)
	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	c.mu.Lock()
	c.mqtt = m
	c.mu.Unlock()
	return nil
}

// startVision opens the three collaborators and the aggregator over them
func (c *Cell) startVision(ctx context.Context) error {
	cam, err := c.openCamera(ctx)
	if err != nil {
		return err
	}
	det, err := c.openDetector(ctx)
	if err != nil {
		return err
	}
	dep, err := c.openDepth(ctx)
	if err != nil {
		return err
	}

	depthMapper, err := geometry.NewMapper(c.cfg.Calibration.Camera, c.cfg.Calibration.Depth)
	if err != nil {
		return fmt.Errorf("camera to depth calibration: %w", err)
	}

	agg, err := vision.New(vision.Config{
		ConfidenceThreshold: c.cfg.Vision.ConfidenceThreshold,
		PollInterval:        c.cfg.Vision.PollInterval,
	}, cam, det, dep, depthMapper)
	if err != nil {
		return fmt.Errorf("failed to start vision: %w", err)
	}

	c.mu.Lock()
	c.vision = agg
	c.mu.Unlock()
	return nil
}

func (c *Cell) openCamera(ctx context.Context) (types.CameraSource, error) {
	cc := c.cfg.Camera
	if cc.Backend == "mock" {
		slog.Info("using mock camera", "name", cc.Name, "width", cc.Width, "height", cc.Height)
		return camera.NewMock(cc.Name, cc.Width, cc.Height), nil
	}

	src, err := camera.NewGst(camera.GstConfig{
		Name:        cc.Name,
		Pipeline:    cc.Pipeline,
		Width:       cc.Width,
		Height:      cc.Height,
		PullTimeout: cc.PullTimeout,
		Reconnect: camera.ReconnectConfig{
			MaxRetries:    cc.Reconnect.MaxRetries,
			RetryDelay:    cc.Reconnect.RetryDelay,
			MaxRetryDelay: cc.Reconnect.MaxRetryDelay,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create camera: %w", err)
	}
	if err := src.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start camera: %w", err)
	}

	c.mu.Lock()
	c.gst = src
	c.mu.Unlock()
	return src, nil
}

func (c *Cell) openDetector(ctx context.Context) (types.Detector, error) {
	dc := c.cfg.Detector
	switch dc.Backend {
	case "python":
		p, err := detector.StartPython(ctx, pyproc.Config{
			ID:          "detector",
			Command:     dc.Command,
			Args:        dc.Args,
			Dir:         dc.Dir,
			ReadTimeout: dc.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		c.addSubprocess("detector", p.Close)
		return p, nil
	case "onnx":
		o, err := detector.LoadONNX(dc.ModelPath, dc.Labels)
		if err != nil {
			return nil, fmt.Errorf("failed to load detector: %w", err)
		}
		slog.Info("onnx detector loaded", "model", dc.ModelPath, "labels", len(dc.Labels))
		return o, nil
	default:
		slog.Info("using static detector", "detections", len(dc.Static))
		return &detector.Static{Detections: dc.Static}, nil
	}
}

func (c *Cell) openDepth(ctx context.Context) (types.DepthSource, error) {
	dc := c.cfg.Depth
	if dc.Backend != "python" {
		slog.Info("using static depth", "height", dc.StaticHeight)
		return &depth.Static{Height: dc.StaticHeight}, nil
	}

	p, err := depth.StartPython(ctx, pyproc.Config{
		ID:          "depth",
		Command:     dc.Command,
		Args:        dc.Args,
		Dir:         dc.Dir,
		ReadTimeout: dc.ReadTimeout,
	}, depth.Geometry{
		DeskDepth:     dc.DeskDepth,
		ArmOffset:     dc.ArmOffset,
		FallbackDepth: dc.FallbackDepth,
	})
	if err != nil {
		return nil, err
	}
	c.addSubprocess("depth", p.Close)
	return p, nil
}

func (c *Cell) addSubprocess(name string, fn func() error) {
	c.mu.Lock()
	c.subprocs = append(c.subprocs, closer{name: name, close: fn})
	c.mu.Unlock()
}

// openJobs connects the job store and loads the seeded jobs
func (c *Cell) openJobs(ctx context.Context) error {
	var store jobBackend
	if c.cfg.Jobs.Backend == "postgres" {
		pg, err := jobstore.NewPostgres(ctx, c.cfg.Jobs.DSN)
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		store = pg
	} else {
		store = jobstore.NewMemory()
	}

	c.mu.Lock()
	c.jobs = store
	c.mu.Unlock()

	for _, seed := range c.cfg.Jobs.Seed {
		items := make([]types.Item, 0, len(seed.Items))
		for _, it := range seed.Items {
			items = append(items, types.Item{Type: it.Type, Placement: it.Placement})
		}
		err := store.CreateJob(ctx, seed.Name, items)
		switch {
		case errors.Is(err, jobstore.ErrJobExists):
			slog.Debug("seed job already stored", "job", seed.Name)
		case err != nil:
			slog.Warn("failed to seed job", "job", seed.Name, "error", err)
		}
	}

	slog.Info("job store ready", "backend", c.cfg.Jobs.Backend, "seeded", len(c.cfg.Jobs.Seed))
	return nil
}

func (c *Cell) startArm(ctx context.Context) error {
	if c.cfg.Arm.Backend != "mqtt" {
		c.mu.Lock()
		c.arm = arm.NewMock(0)
		c.mu.Unlock()
		slog.Info("using mock arm")
		return nil
	}
	if c.mqtt == nil {
		return fmt.Errorf("mqtt arm backend needs an mqtt broker")
	}

	bridge := arm.NewMQTT(c.mqtt.Client, arm.MQTTConfig{
		CommandTopic: c.cfg.MQTT.Topics.ArmCommand,
		AckTopic:     c.cfg.MQTT.Topics.ArmAck,
		QoS:          c.cfg.MQTT.QoS["arm"],
		AckTimeout:   c.cfg.Arm.AckTimeout,
	})
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start arm bridge: %w", err)
	}

	c.mu.Lock()
	c.arm = bridge
	c.armBridge = bridge
	c.mu.Unlock()
	return nil
}

func (c *Cell) openArchive(ctx context.Context) error {
	ac := c.cfg.Archive
	if !ac.Enabled {
		return nil
	}

	m, err := archive.NewMinIO(ctx, archive.Config{
		CellID:    c.cfg.CellID,
		Endpoint:  ac.Endpoint,
		AccessKey: ac.AccessKey,
		SecretKey: ac.SecretKey,
		Bucket:    ac.Bucket,
		UseSSL:    ac.UseSSL,
		Quality:   ac.Quality,
	})
	if err != nil {
		return fmt.Errorf("failed to open frame archive: %w", err)
	}
	c.mu.Lock()
	c.archiver = m
	c.mu.Unlock()
	return nil
}

// sink fans notifications out to the log, the event stream and MQTT
func (c *Cell) sink() types.NotificationSink {
	sinks := emitter.Fanout{emitter.NewLog(nil), c.hub}
	if c.mqtt != nil {
		sinks = append(sinks, c.mqtt)
	}
	return sinks
}

func (c *Cell) buildLoop() error {
	toArm, err := geometry.NewMapper(c.cfg.Calibration.Camera, c.cfg.Calibration.Arm)
	if err != nil {
		return fmt.Errorf("camera to arm calibration: %w", err)
	}

	opts := []LoopOption{WithMetrics(c.metrics)}
	if c.archiver != nil {
		opts = append(opts, WithArchiver(c.archiver))
	}

	loop, err := NewLoop(LoopConfig{
		CycleInterval:   c.cfg.CycleInterval,
		JobPollInterval: c.cfg.JobPollInterval,
		Pick: PickConfig{
			ToArm:        toArm,
			Home:         c.cfg.Arm.Home,
			Destinations: c.cfg.Arm.Destinations,
			HoverOffset:  c.cfg.Arm.HoverOffset,
			Pitch:        c.cfg.Arm.Pitch,
			RotationRad:  c.cfg.Arm.RotationRad,
			SwapXY:       c.cfg.Arm.SwapXY != nil && *c.cfg.Arm.SwapXY,
		},
	}, c.vision, c.jobs, c.arm, c.sink(), opts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.loop = loop
	c.mu.Unlock()
	return nil
}

// startControl serves MQTT control commands when a broker is configured
func (c *Cell) startControl(ctx context.Context) error {
	if c.mqtt == nil {
		return nil
	}

	h := control.NewHandler(c.cfg.MQTT, c.mqtt.Client, control.CommandCallbacks{
		OnGetStatus: c.Status,
		OnPause:     c.loop.Pause,
		OnResume:    c.loop.Resume,
		OnShutdown:  c.Stop,
		OnResetJobs: c.ResetJobs,
	})
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	c.mu.Lock()
	c.control = h
	c.mu.Unlock()
	return nil
}

// watchCell publishes health and stops the cell when vision workers exit
// or the arm lease expires.
func (c *Cell) watchCell(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	var lost <-chan struct{}
	if c.elector != nil {
		lost = c.elector.Lost()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.vision.Done():
			// the loop sees ErrWorkerTerminated on its next snapshot
			slog.Error("vision worker exited", "error", c.vision.Err())
			c.publishHealth()
			return
		case <-lost:
			slog.Error("arm lease lost, stopping", "key", c.cfg.Leader.Key)
			c.mu.Lock()
			c.failure = ErrLeaseLost
			c.mu.Unlock()
			c.loop.Stop()
			cancel()
			return
		case <-ticker.C:
			c.publishHealth()
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (c *Cell) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	cancel, runDone := c.cancelCtx, c.runDone
	c.mu.Unlock()

	slog.Info("shutting down pickpoint cell")

	// Shutdown sequence (order is important!):
	// 1. Stop the loop so no arm motion starts
	if c.loop != nil {
		c.loop.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if c.control != nil {
		if err := c.control.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if err := c.api.Shutdown(ctx); err != nil {
		slog.Error("failed to stop http api", "error", err)
	}

	// Run may still be opening components
	select {
	case <-runDone:
	case <-ctx.Done():
		return fmt.Errorf("cell did not stop: %w", ctx.Err())
	}

	slog.Info("waiting for goroutines to finish")
	c.wg.Wait()

	var errs []error

	// 2. Terminate and join vision workers
	if c.vision != nil {
		if err := c.vision.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vision: %w", err))
		}
	}

	// 3. Close model subprocesses
	for _, p := range c.subprocs {
		if err := p.close(); err != nil {
			slog.Error("failed to stop subprocess", "name", p.name, "error", err)
		}
	}

	// 4. Stop camera
	if c.gst != nil {
		if err := c.gst.Stop(); err != nil {
			slog.Error("failed to stop camera", "error", err)
		}
	}

	// 5. Disconnect arm
	if c.armBridge != nil {
		if err := c.armBridge.Stop(); err != nil {
			slog.Error("failed to stop arm bridge", "error", err)
		}
	}

	// 6. Close job store
	if c.jobs != nil {
		if err := c.jobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job store: %w", err))
		}
	}

	if c.elector != nil {
		if err := c.elector.Close(ctx); err != nil {
			slog.Error("failed to close elector", "error", err)
		}
	}

	// 7. Disconnect MQTT
	if c.mqtt != nil {
		if err := c.mqtt.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 8. Flush tracing
	if c.stopTracing != nil {
		if err := c.stopTracing(ctx); err != nil {
			slog.Error("failed to flush tracing", "error", err)
		}
	}

	c.mu.Lock()
	uptime := time.Since(c.started)
	c.isRunning = false
	c.mu.Unlock()

	slog.Info("pickpoint cell shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// Stop asks a running cell to shut down (MQTT shutdown command, HTTP stop)
func (c *Cell) Stop() error {
	c.mu.RLock()
	running, cancel, loop := c.isRunning, c.cancelCtx, c.loop
	c.mu.RUnlock()

	if !running || cancel == nil {
		return fmt.Errorf("cell is not running")
	}
	slog.Info("stop requested")
	if loop != nil {
		loop.Stop()
	}
	cancel()
	return nil
}

// ListJobs returns every stored job
func (c *Cell) ListJobs(ctx context.Context) ([]types.Job, error) {
	jobs := c.jobStore()
	if jobs == nil {
		return nil, fmt.Errorf("job store not open")
	}
	return jobs.ListJobs(ctx)
}

// CreateJob adds a job for the loop to pick up
func (c *Cell) CreateJob(ctx context.Context, name string, items []types.Item) error {
	jobs := c.jobStore()
	if jobs == nil {
		return fmt.Errorf("job store not open")
	}
	if err := jobs.CreateJob(ctx, name, items); err != nil {
		return err
	}
	slog.Info("job created", "job", name, "items", len(items))
	return nil
}

// ResetJobs marks every job Incomplete and drops the active one
func (c *Cell) ResetJobs(ctx context.Context) error {
	c.mu.RLock()
	loop, jobs := c.loop, c.jobs
	c.mu.RUnlock()

	if loop != nil {
		return loop.ResetJobs(ctx)
	}
	if jobs == nil {
		return fmt.Errorf("job store not open")
	}
	return jobs.ResetStatuses(ctx)
}

func (c *Cell) jobStore() jobBackend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs
}

// Uptime returns the time since Run started
func (c *Cell) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uptimeLocked()
}

func (c *Cell) uptimeLocked() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Status returns the current cell status
func (c *Cell) Status() any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := map[string]any{
		"cell_id":  c.cfg.CellID,
		"uptime_s": c.uptimeLocked().Seconds(),
		"running":  c.isRunning,
		"events": map[string]any{
			"subscribers": c.hub.Subscribers(),
			"dropped":     c.hub.Dropped(),
		},
	}

	if c.loop != nil {
		status["loop"] = c.loop.Status()
	}
	if c.vision != nil {
		status["workers"] = c.vision.Stats()
	}
	if c.gst != nil {
		status["camera"] = c.gst.Stats()
	}
	if c.mqtt != nil {
		status["mqtt"] = c.mqtt.Stats()
	}
	if c.armBridge != nil {
		status["arm"] = c.armBridge.Stats()
	}
	if c.archiver != nil {
		objects, size := c.archiver.Uploaded()
		status["archive"] = map[string]any{"objects": objects, "bytes": size}
	}
	if c.elector != nil {
		status["leader"] = map[string]any{"id": c.elector.ID(), "leading": c.elector.Leading()}
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Cell) ShutdownTimeout() time.Duration {
	return c.cfg.ShutdownTimeout()
}

// Metrics returns the cell's metric registry
func (c *Cell) Metrics() *observability.Registry {
	return c.metrics
}
