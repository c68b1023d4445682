// Package deej provides a machine-side client that pairs with a fader board
// (an Arduino-style chip printing slider readings over serial) to form a
// tactile, physical volume control system for PulseAudio
package deej

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jax-b/bsdeej/pkg/deej/util"
)

// Deej is the main entity managing access to all sub-components
type Deej struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	config     *CanonicalConfig
	backend    AudioBackend
	engine     *MixerEngine
	controller SliderController

	stopChannel chan bool
	version     string
	verbose     bool
}

// NewDeej creates a Deej instance
func NewDeej(logger *zap.SugaredLogger, settings RuntimeSettings, verbose bool) (*Deej, error) {
	logger = logger.Named("bsdeej")

	var notifier Notifier

	if settings.NoNotifications {
		logger.Debugw("Notifications will only be logged", "reason", "envvar set")
		notifier = NewLogNotifier(logger)
	} else {
		toastNotifier, err := NewToastNotifier(logger)
		if err != nil {
			logger.Errorw("Failed to create ToastNotifier", "error", err)
			return nil, fmt.Errorf("create new ToastNotifier: %w", err)
		}

		notifier = toastNotifier
	}

	config, err := NewConfig(logger, notifier, settings.ConfigDir)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Deej{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created bsdeej instance")

	return d, nil
}

// Initialize loads the config, connects to the audio server and the controller,
// and runs until interrupted
func (d *Deej) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.config.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	backend, err := newSessionFinder(d.logger)
	if err != nil {
		d.logger.Errorw("Failed to create SessionFinder", "error", err)
		d.notifier.Notify("Can't connect to PulseAudio!", "Make sure PulseAudio (or pipewire-pulse) is running.")

		return fmt.Errorf("create new SessionFinder: %w", err)
	}

	d.backend = backend
	d.engine = NewMixerEngine(d.logger, d.backend, d.config.MixerSettings(), d.verbose)

	if err := d.setupController(); err != nil {
		d.releaseBackend()
		return fmt.Errorf("set up slider controller: %w", err)
	}

	d.setupInterruptHandler()

	return d.run()
}

// CheckConfig loads the config file and returns the effective configuration as YAML, without connecting to anything
func (d *Deej) CheckConfig() ([]byte, error) {
	if err := d.config.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return d.config.Dump()
}

// SetVersion records a version string to be logged at startup
func (d *Deej) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether bsdeej is running in verbose mode
func (d *Deej) Verbose() bool {
	return d.verbose
}

func (d *Deej) setupController() error {
	if udpPort := d.config.UdpPort(); udpPort > 0 {
		d.logger.Infow("Using UDP controller", "port", udpPort)

		udpio, err := NewUdpIO(d, d.logger, d.engine)
		if err != nil {
			d.logger.Errorw("Failed to create UdpIO", "error", err)
			return fmt.Errorf("create new UdpIO: %w", err)
		}

		d.controller = udpio

		return nil
	}

	serial, err := NewSerialIO(d, d.logger, d.engine)
	if err != nil {
		d.logger.Errorw("Failed to create SerialIO", "error", err)
		return fmt.Errorf("create new SerialIO: %w", err)
	}

	d.controller = serial

	return nil
}

func (d *Deej) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Deej) run() error {
	d.logger.Infow("Run loop starting", "version", d.version)
	defer d.recoverFromPanic()

	// watch the config file for changes
	go d.config.WatchConfigFileChanges()

	if err := d.controller.Start(); err != nil {
		d.logger.Warnw("Failed to start slider controller", "error", err)
		d.notifier.Notify("Can't start bsdeej!", "Please check bsdeej's logs for more details.")

		d.config.StopWatchingConfigFile()
		d.releaseBackend()

		return fmt.Errorf("start slider controller: %w", err)
	}

	// wait until stopped (gracefully)
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop bsdeej", "error", err)
		return fmt.Errorf("stop: %w", err)
	}

	return nil
}

func (d *Deej) signalStop() {
	d.logger.Debug("Signalling stop channel")

	select {
	case d.stopChannel <- true:
	default:
	}
}

func (d *Deej) stop() error {
	d.logger.Info("Stopping")

	d.config.StopWatchingConfigFile()
	d.controller.Stop()

	err := d.releaseBackend()

	// attempt to sync on exit - this won't necessarily work but can't harm
	d.logger.Sync()

	return err
}

func (d *Deej) releaseBackend() error {
	if d.backend == nil {
		return nil
	}

	if err := d.backend.Release(); err != nil {
		d.logger.Errorw("Failed to release audio backend", "error", err)
		return fmt.Errorf("release audio backend: %w", err)
	}

	return nil
}
