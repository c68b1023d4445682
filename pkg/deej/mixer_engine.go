package deej

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jax-b/bsdeej/pkg/deej/util"
)

const fieldSeparator = "|"

var (
	errWrongFieldCount = errors.New("wrong number of slider fields")
	errInvalidField    = errors.New("slider field is not a non-negative integer")
)

// MixerSettings is everything the engine needs to know about the controller and the user's mapping
type MixerSettings struct {
	SliderCount     int
	MasterSlider    int
	ChangeThreshold int
	MaxRawValue     int

	SliderMapping *SliderMap
}

// TargetKind tells apart the two kinds of volume command
type TargetKind int

const (

	// MasterBroadcast sets every output sink
	MasterBroadcast TargetKind = iota

	// Application sets every stream owned by a named process
	Application
)

// VolumeCommand is a single intended volume change, produced whenever a slider line is accepted
type VolumeCommand struct {
	Kind TargetKind

	// only set for Application commands
	ProcessName string

	SliderID int
	Level    float32
}

func (c VolumeCommand) String() string {
	if c.Kind == MasterBroadcast {
		return fmt.Sprintf("<slider %d -> all sinks: %.2f>", c.SliderID, c.Level)
	}

	return fmt.Sprintf("<slider %d -> %s: %.2f>", c.SliderID, c.ProcessName, c.Level)
}

// MixerEngine turns slider lines into volume changes. It keeps the last accepted
// slider values as a baseline, and only acts once some slider moved past the change threshold.
// It isn't safe for concurrent use: the transport loop that feeds it owns it
type MixerEngine struct {
	logger  *zap.SugaredLogger
	backend AudioBackend
	verbose bool

	settings MixerSettings

	// nil until the first valid line after startup or a reset
	lastAccepted []int
}

// NewMixerEngine creates a MixerEngine with no baseline
func NewMixerEngine(logger *zap.SugaredLogger, backend AudioBackend, settings MixerSettings, verbose bool) *MixerEngine {
	logger = logger.Named("mixer")

	e := &MixerEngine{
		logger:   logger,
		backend:  backend,
		verbose:  verbose,
		settings: settings,
	}

	logger.Debugw("Created mixer engine instance",
		"sliderCount", settings.SliderCount,
		"masterSlider", settings.MasterSlider,
		"changeThreshold", settings.ChangeThreshold,
		"sliderMapping", settings.SliderMapping)

	return e
}

// HandleLine processes a single line from the controller. Malformed lines are dropped without
// touching the baseline, and backend failures are logged rather than returned
func (e *MixerEngine) HandleLine(line string) {
	current, err := parseSliderVector(line, e.settings.SliderCount)
	if err != nil {
		if e.verbose {
			e.logger.Debugw("Got malformed line, ignoring", "line", line, "reason", err)
		}

		return
	}

	// the first line after a (re)connect is a baseline, not a user action
	if e.lastAccepted == nil {
		e.lastAccepted = current
		e.logger.Debugw("Captured slider baseline", "values", current)

		return
	}

	moved, anyMoved := e.movedSliders(current)

	// could just be a jumpy raw slider value
	if !anyMoved {
		return
	}

	// one slider moving is enough to re-apply the whole line
	e.lastAccepted = current

	commands := planVolumeCommands(current, moved, e.settings)

	if e.verbose {
		e.logger.Debugw("Slider values accepted", "values", current, "commands", commands)
	}

	if err := e.dispatch(commands); err != nil {
		e.logger.Warnw("Failed to apply some volume commands", "error", err)
	}
}

// Reset drops the baseline so the next valid line is captured instead of acted upon
func (e *MixerEngine) Reset() {
	if e.lastAccepted != nil {
		e.logger.Debug("Resetting slider baseline")
	}

	e.lastAccepted = nil
}

// Reconfigure swaps in new settings (e.g. after a config reload) and resets the baseline,
// since the old one may not even have the right number of sliders anymore
func (e *MixerEngine) Reconfigure(settings MixerSettings) {
	e.logger.Debugw("Applying new mixer settings",
		"sliderCount", settings.SliderCount,
		"masterSlider", settings.MasterSlider,
		"changeThreshold", settings.ChangeThreshold,
		"sliderMapping", settings.SliderMapping)

	e.settings = settings
	e.Reset()
}

func (e *MixerEngine) movedSliders(current []int) ([]bool, bool) {
	moved := make([]bool, len(current))
	anyMoved := false

	for idx, value := range current {
		if util.SignificantlyDifferent(e.lastAccepted[idx], value, e.settings.ChangeThreshold) {
			moved[idx] = true
			anyMoved = true
		}
	}

	return moved, anyMoved
}

func (e *MixerEngine) dispatch(commands []VolumeCommand) error {
	var errs error

	for _, command := range commands {
		sessions, err := e.resolve(command)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resolve %s: %w", command, err))
			continue
		}

		// a mapped app that isn't playing anything right now is not an error
		if len(sessions) == 0 && e.verbose {
			e.logger.Debugw("No sessions found for volume command", "command", command)
		}

		for _, session := range sessions {
			if err := session.SetVolume(command.Level); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("set %s volume: %w", session.Key(), err))
			}

			session.Release()
		}
	}

	return errs
}

func (e *MixerEngine) resolve(command VolumeCommand) ([]Session, error) {
	if command.Kind == MasterBroadcast {
		return e.backend.ListOutputSinks()
	}

	return e.backend.FindStreamsByProcessName(command.ProcessName)
}

// parseSliderVector splits a "1023|512|0|800|300" line into exactly sliderCount raw values
func parseSliderVector(line string, sliderCount int) ([]int, error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) != sliderCount {
		return nil, fmt.Errorf("%w: got %d, need %d", errWrongFieldCount, len(fields), sliderCount)
	}

	values := make([]int, sliderCount)

	for idx, field := range fields {

		// ParseUint doesn't take signs, so "-5" and "+5" are both rejected here.
		// anything that fits in an int is kept as is, no matter how far above max_raw_value
		number, err := strconv.ParseUint(strings.TrimSpace(field), 10, strconv.IntSize-1)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d (%q)", errInvalidField, idx, field)
		}

		values[idx] = int(number)
	}

	return values, nil
}

// planVolumeCommands decides what an accepted line means: a broadcast to every sink if the master slider
// moved, and one command per mapped process for every other slider, whether or not that slider moved
func planVolumeCommands(current []int, moved []bool, settings MixerSettings) []VolumeCommand {
	commands := []VolumeCommand{}

	level := func(idx int) float32 {
		return float32(current[idx]) / float32(settings.MaxRawValue)
	}

	if moved[settings.MasterSlider] {
		commands = append(commands, VolumeCommand{
			Kind:     MasterBroadcast,
			SliderID: settings.MasterSlider,
			Level:    level(settings.MasterSlider),
		})
	}

	if settings.SliderMapping == nil {
		return commands
	}

	for idx := range current {
		if idx == settings.MasterSlider {
			continue
		}

		targets, ok := settings.SliderMapping.Get(idx)
		if !ok {
			continue
		}

		for _, processName := range targets {
			commands = append(commands, VolumeCommand{
				Kind:        Application,
				ProcessName: processName,
				SliderID:    idx,
				Level:       level(idx),
			})
		}
	}

	return commands
}
