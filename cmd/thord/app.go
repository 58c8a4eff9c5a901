package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/thordlink/internal/device"
	goble "github.com/srg/thordlink/internal/device/go-ble"
	"github.com/srg/thordlink/internal/session"
	"github.com/srg/thordlink/internal/store"
	"github.com/srg/thordlink/pkg/config"
	"golang.org/x/term"
)

// newCentral is replaced in tests.
var newCentral = func(logger *logrus.Logger) device.Central {
	return goble.NewCentral(logger)
}

// loadConfig reads --config and applies the connection flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.DeviceName, _ = flags.GetString("name")
	}
	if flags.Changed("address") {
		cfg.Address, _ = flags.GetString("address")
	}
	if flags.Changed("timeout") {
		cfg.ConnectTimeout, _ = flags.GetDuration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// link bundles the objects every command needs.
type link struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   *store.Store
	session *session.Session
}

// newLink builds the store and session from the config; overrides run after
// the config file and flags are applied.
func newLink(cmd *cobra.Command, overrides ...func(*config.Config)) (*link, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return nil, err
	}

	st := store.New(cfg.StoreOptions(), logger)
	return &link{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		session: session.New(newCentral(logger), st, cfg.SessionOptions(), logger),
	}, nil
}

func (l *link) target() string {
	if l.cfg.Address != "" {
		return l.cfg.Address
	}
	return l.cfg.DeviceName
}

// connect runs Connect with a progress line fed by the store's state events.
func (l *link) connect(ctx context.Context) error {
	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Connecting to %s", l.target()), isTerminal(os.Stderr))
	progress.Start()
	defer progress.Stop()

	cancel := l.store.Subscribe(progress.Observe)
	defer cancel()

	return l.session.Connect(ctx)
}

func (l *link) close() {
	if err := l.session.Close(); err != nil {
		l.logger.WithError(err).Warn("Disconnect failed")
	}
}

// signalContext returns a context canceled by Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
