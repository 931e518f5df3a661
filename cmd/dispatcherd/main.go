// Command dispatcherd runs the studio dispatcher: the on-air state machine,
// its Redis-backed collaborators, and (optionally) direct GPIO I/O.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bermudafunk/dispatcher/internal/app"
)

var version = "dev"

// studioFlag accumulates repeated -studio name=selector flags into
// app.StudioDef values, the same flag.Value idiom the teacher uses for
// repeatable configuration (cf. cmd/alarm-service/main.go's flag.Visit
// pattern, generalized here to a repeatable flag instead of a single one).
type studioFlag struct {
	defs *[]app.StudioDef
}

func (f studioFlag) String() string {
	if f.defs == nil {
		return ""
	}
	var parts []string
	for _, d := range *f.defs {
		parts = append(parts, fmt.Sprintf("%s=%d", d.Name, d.SelectorValue))
	}
	return strings.Join(parts, ",")
}

func (f studioFlag) Set(value string) error {
	name, rawValue, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected name=selector-value, got %q", value)
	}
	selectorValue, err := strconv.Atoi(rawValue)
	if err != nil {
		return fmt.Errorf("selector value %q is not an integer: %w", rawValue, err)
	}
	*f.defs = append(*f.defs, app.StudioDef{Name: name, SelectorValue: selectorValue})
	return nil
}

func main() {
	var studios []app.StudioDef

	redisAddr := flag.String("redis", "localhost:6379", "Redis address for button events and status publish")
	selectorRedisAddr := flag.String("selector-redis", "localhost:6379", "Redis address of the DSP selector bridge")
	lampRedisAddr := flag.String("lamp-redis", "localhost:6379", "Redis address of the lamp bridge")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	persistPath := flag.String("state-file", "/var/lib/dispatcherd/state.json", "Path to the persisted dispatcher state")
	pinConfigPath := flag.String("pin-config", "", "Path to a GPIO pin-map JSON file; when set, studios are driven directly over GPIO instead of Redis")
	noInhibitor := flag.Bool("no-inhibitor", false, "Disable the systemd suspend inhibitor")
	automatName := flag.String("automat-name", "automat", "Name of the program-automation studio")
	automatSelector := flag.Int("automat-selector", 1, "DSP selector value routing the automat to air")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Var(studioFlag{defs: &studios}, "studio", "Repeatable: name=selector-value, one per broadcasting studio")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("dispatcherd %s\n", version)
		os.Exit(0)
	}

	level := parseLogLevel(*logLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("dispatcherd "+version+" starting",
		"redis", *redisAddr,
		"selector_redis", *selectorRedisAddr,
		"lamp_redis", *lampRedisAddr,
		"log_level", *logLevel,
		"studios", len(studios),
		"pin_config", *pinConfigPath)

	if len(studios) == 0 {
		logger.Error("at least one -studio name=selector-value flag is required")
		os.Exit(1)
	}

	application := app.New(&app.Config{
		Logger:            logger,
		RedisAddr:         *redisAddr,
		SelectorRedisAddr: *selectorRedisAddr,
		LampRedisAddr:     *lampRedisAddr,
		Automat:           app.StudioDef{Name: *automatName, SelectorValue: *automatSelector},
		Studios:           studios,
		PersistPath:       *persistPath,
		PinConfigPath:     *pinConfigPath,
		NoInhibitor:       *noInhibitor,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received signal", "signal", sig)
		cancel()
		<-errChan

	case err := <-errChan:
		if err != nil {
			logger.Error("application error", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("dispatcherd stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
