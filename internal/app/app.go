// Package app wires the dispatcher core (internal/dispatch) to its Redis and
// optional GPIO collaborators and runs it until shutdown. Grounded on
// librescoot-alarm-service's internal/app.App: the same
// connect-collaborators / build-core / spawn-goroutines / wait-for-ctx shape.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/bermudafunk/dispatcher/internal/dispatch"
	"github.com/bermudafunk/dispatcher/internal/gpio"
	"github.com/bermudafunk/dispatcher/internal/lampsink"
	"github.com/bermudafunk/dispatcher/internal/pm"
	"github.com/bermudafunk/dispatcher/internal/redisbus"
	"github.com/bermudafunk/dispatcher/internal/selector"
)

// StudioDef is one deployment-declared studio binding: its name and the DSP
// selector position that routes it to air (spec.md §3
// DispatcherStudioDefinition).
type StudioDef struct {
	Name          string
	SelectorValue int
}

// Config holds everything app.New needs to wire a running dispatcher.
type Config struct {
	Logger *slog.Logger

	RedisAddr         string // button queue + status publish (redis-ipc)
	SelectorRedisAddr string // DSP-bridge command/ack channel (go-redis)
	LampRedisAddr     string // lamp-bridge hash/pubsub channel (go-redis)

	Automat StudioDef
	Studios []StudioDef

	PersistPath   string // snapshot file, spec.md §4.6
	PinConfigPath string // optional: when set, studios are driven by GPIO instead of Redis

	NoInhibitor bool // skip the dbus suspend inhibitor (e.g. no systemd-logind)
}

// PinConfig is the optional GPIO deployment description, loaded from
// PinConfigPath. When present, every declared studio's buttons and lamps are
// bound to physical GPIO lines instead of the Redis-backed collaborators.
type PinConfig struct {
	Chip          string                `json:"chip"`
	AutomatLamp   gpio.LampPins         `json:"automat_lamp"`
	Studios       map[string]StudioPins `json:"studios"`
}

// StudioPins is one studio's full GPIO wiring: three button offsets and two
// tri-color lamp pin pairs.
type StudioPins struct {
	TakeoverOffset  int           `json:"takeover_offset"`
	ReleaseOffset   int           `json:"release_offset"`
	ImmediateOffset int           `json:"immediate_offset"`
	MainLamp        gpio.LampPins `json:"main_lamp"`
	ImmediateLamp   gpio.LampPins `json:"immediate_lamp"`
}

// App owns every collaborator's lifetime and the running dispatcher.
type App struct {
	cfg *Config
	log *slog.Logger

	registry *dispatch.Registry
	table    *dispatch.Table
	machine  *dispatch.Machine

	redisClient   *redisbus.Client
	publisher     *redisbus.Publisher
	buttonSub     *redisbus.Subscriber
	selectorCtl   *selector.Controller
	lampRedis     *redis.Client
	gpioButtons   *gpio.ButtonSource
	gpioLampSinks []*gpio.Sink
	inhibitor     dispatch.SuspendInhibitor
}

// New creates an App; nothing is connected until Run.
func New(cfg *Config) *App {
	return &App{cfg: cfg, log: cfg.Logger}
}

// Run connects every collaborator, restores persisted state, and runs the
// dispatcher until ctx is cancelled, at which point it snapshots state and
// releases resources.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting dispatcher",
		"redis", a.cfg.RedisAddr,
		"selector_redis", a.cfg.SelectorRedisAddr,
		"lamp_redis", a.cfg.LampRedisAddr,
		"studios", len(a.cfg.Studios))

	table, err := dispatch.Load(a.log)
	if err != nil {
		return fmt.Errorf("load state tables: %w", err)
	}
	a.table = table

	var pins *PinConfig
	if a.cfg.PinConfigPath != "" {
		pins, err = loadPinConfig(a.cfg.PinConfigPath)
		if err != nil {
			return fmt.Errorf("load pin config: %w", err)
		}
	}

	if err := a.buildRegistry(pins); err != nil {
		return fmt.Errorf("build studio registry: %w", err)
	}
	defer a.closeLampSinks()

	if err := a.dialRedis(ctx); err != nil {
		return fmt.Errorf("dial redis: %w", err)
	}
	defer a.closeRedis()

	a.inhibitor = dispatch.NoopInhibitor{}
	if !a.cfg.NoInhibitor {
		inh, err := pm.NewInhibitor(a.log)
		if err != nil {
			a.log.Warn("suspend inhibitor unavailable, continuing without it", "err", err)
		} else {
			a.inhibitor = inh
			defer inh.Close()
		}
	}

	a.machine = dispatch.NewMachine(table, a.registry, a.selectorCtl, dispatch.RealClock{}, a.inhibitor, a.log)

	a.restore(ctx)

	obsID := a.machine.Subscribe(a.publisher.Observer(ctx, a.log))
	defer a.machine.Unsubscribe(obsID)

	if pins == nil {
		a.buttonSub = redisbus.NewSubscriber(a.redisClient, a.machine, a.registry, a.log)
		go a.buttonSub.Run(ctx)
	} else if err := a.wireGPIOButtons(pins); err != nil {
		return fmt.Errorf("wire gpio buttons: %w", err)
	}

	go a.machine.Run(ctx)
	go a.machine.RunConvergence(ctx)
	go func() {
		if err := a.machine.RunSelectorWatch(ctx); err != nil {
			a.log.Warn("selector watch stopped", "err", err)
		}
	}()

	<-ctx.Done()
	a.log.Info("shutting down")

	if a.cfg.PersistPath != "" {
		if err := a.machine.SaveSnapshot(a.cfg.PersistPath); err != nil {
			a.log.Error("failed to save dispatcher state", "err", err)
		}
	}
	if a.gpioButtons != nil {
		a.gpioButtons.Close()
	}
	return nil
}

// buildRegistry constructs every Studio and the Automat, wires lamp sinks
// (Redis by default, GPIO when pins is non-nil), and validates the registry.
func (a *App) buildRegistry(pins *PinConfig) error {
	automat := dispatch.NewAutomat(a.cfg.Automat.Name)

	var studios []dispatch.DispatcherStudioDefinition
	for _, def := range a.cfg.Studios {
		studios = append(studios, dispatch.DispatcherStudioDefinition{
			Studio:        dispatch.NewStudio(def.Name),
			SelectorValue: def.SelectorValue,
		})
	}

	reg, err := dispatch.NewRegistry(
		dispatch.DispatcherStudioDefinition{Studio: automat, SelectorValue: a.cfg.Automat.SelectorValue},
		studios,
	)
	if err != nil {
		return err
	}
	a.registry = reg

	if pins == nil {
		rdb, err := lampsink.Dial(a.cfg.LampRedisAddr)
		if err != nil {
			return fmt.Errorf("dial lamp redis: %w", err)
		}
		a.lampRedis = rdb
		automat.SetLamps(lampsink.NewSink(rdb, a.log, automat.Name, "main"), nil)
		for _, s := range reg.Studios() {
			s.SetLamps(
				lampsink.NewSink(rdb, a.log, s.Name, "main"),
				lampsink.NewSink(rdb, a.log, s.Name, "immediate"),
			)
		}
		return nil
	}

	automatSink, err := gpio.NewSink(pins.Chip, pins.AutomatLamp)
	if err != nil {
		return fmt.Errorf("automat lamp: %w", err)
	}
	a.gpioLampSinks = append(a.gpioLampSinks, automatSink)
	automat.SetLamps(automatSink, nil)

	for _, s := range reg.Studios() {
		sp, ok := pins.Studios[s.Name]
		if !ok {
			return fmt.Errorf("pin config has no entry for studio %q", s.Name)
		}
		mainSink, err := gpio.NewSink(pins.Chip, sp.MainLamp)
		if err != nil {
			return fmt.Errorf("studio %s main lamp: %w", s.Name, err)
		}
		immSink, err := gpio.NewSink(pins.Chip, sp.ImmediateLamp)
		if err != nil {
			return fmt.Errorf("studio %s immediate lamp: %w", s.Name, err)
		}
		a.gpioLampSinks = append(a.gpioLampSinks, mainSink, immSink)
		s.SetLamps(mainSink, immSink)
	}
	return nil
}

func (a *App) wireGPIOButtons(pins *PinConfig) error {
	var lines []gpio.ButtonLine
	for name, sp := range pins.Studios {
		lines = append(lines,
			gpio.ButtonLine{Studio: name, Button: dispatch.ButtonTakeover, Offset: sp.TakeoverOffset},
			gpio.ButtonLine{Studio: name, Button: dispatch.ButtonRelease, Offset: sp.ReleaseOffset},
			gpio.ButtonLine{Studio: name, Button: dispatch.ButtonImmediate, Offset: sp.ImmediateOffset},
		)
	}
	bs, err := gpio.NewButtonSource(pins.Chip, lines, a.machine, a.registry, a.log)
	if err != nil {
		return err
	}
	a.gpioButtons = bs
	return nil
}

func (a *App) closeLampSinks() {
	for _, s := range a.gpioLampSinks {
		if err := s.Close(); err != nil {
			a.log.Warn("gpio lamp sink close failed", "err", err)
		}
	}
}

func (a *App) dialRedis(ctx context.Context) error {
	client, err := redisbus.NewClient(a.cfg.RedisAddr, a.log)
	if err != nil {
		return fmt.Errorf("redisbus client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	a.redisClient = client
	a.publisher = redisbus.NewPublisher(client)

	ctl, err := selector.NewController(a.cfg.SelectorRedisAddr, a.log)
	if err != nil {
		return fmt.Errorf("selector controller: %w", err)
	}
	a.selectorCtl = ctl
	return nil
}

func (a *App) closeRedis() {
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if a.selectorCtl != nil {
		a.selectorCtl.Close()
	}
	if a.lampRedis != nil {
		a.lampRedis.Close()
	}
}

// restore loads the persisted snapshot (or the automat_on_air default) and
// drives the machine into it, per spec.md §4.6. If the machine rejects even
// that, it falls back to a bare automat_on_air restore so the process never
// runs with the zero-value State the failed Restore left behind (spec.md
// §6: "fall back to the default initial state").
func (a *App) restore(ctx context.Context) {
	var x, y dispatch.StudioRef // zero value means "no studio bound"
	stateName := "automat_on_air"
	if a.cfg.PersistPath != "" {
		x, y, stateName = dispatch.LoadSnapshot(a.cfg.PersistPath, a.registry, a.table, a.log)
	}
	if err := a.machine.Restore(ctx, x, y, stateName); err != nil {
		a.log.Error("failed to restore dispatcher state, this is a configuration bug", "err", err)
		var noX, noY dispatch.StudioRef // zero value means "no studio bound"
		if err := a.machine.Restore(ctx, noX, noY, "automat_on_air"); err != nil {
			a.log.Error("failed to restore even the automat_on_air default", "err", err)
		}
	}
}

func loadPinConfig(path string) (*PinConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg PinConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pin config: %w", err)
	}
	return &cfg, nil
}
