package deej

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jax-b/bsdeej/pkg/deej/util"
)

// ConnectionInfo describes how to reach the controller
type ConnectionInfo struct {
	COMPort  string
	BaudRate int
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for bsdeej's configuration file
type CanonicalConfig struct {
	sliderMapping *SliderMap

	connectionInfo ConnectionInfo
	udpPort        int
	reconnectDelay time.Duration

	sliderCount     int
	masterSlider    int
	changeThreshold int
	maxRawValue     int

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool
	lock               sync.RWMutex

	reloadConsumers []chan bool

	configFilepath string
	userConfig     *viper.Viper
}

// the effective config, as printed by -check-config
type dumpedConfig struct {
	COMPort               string           `yaml:"com_port"`
	BaudRate              int              `yaml:"baud_rate"`
	UdpPort               int              `yaml:"udp_port"`
	ReconnectDelaySeconds float64          `yaml:"reconnect_delay_seconds"`
	SliderCount           int              `yaml:"slider_count"`
	MasterSlider          int              `yaml:"master_slider"`
	ChangeThreshold       int              `yaml:"change_threshold"`
	MaxRawValue           int              `yaml:"max_raw_value"`
	SliderMapping         map[int][]string `yaml:"slider_mapping"`
}

const (
	userConfigName = "config"
	configType     = "yaml"

	configKeySliderMapping         = "slider_mapping"
	configKeyCOMPort               = "com_port"
	configKeyBaudRate              = "baud_rate"
	configKeyUdpPort               = "udp_port"
	configKeyReconnectDelaySeconds = "reconnect_delay_seconds"
	configKeySliderCount           = "slider_count"
	configKeyMasterSlider          = "master_slider"
	configKeyChangeThreshold       = "change_threshold"
	configKeyMaxRawValue           = "max_raw_value"

	defaultCOMPort               = "/dev/ttyUSB1"
	defaultBaudRate              = 9600
	defaultReconnectDelaySeconds = 5
	defaultSliderCount           = 5
	defaultMasterSlider          = 4
	defaultChangeThreshold       = 5
	defaultMaxRawValue           = 1023
)

// NewConfig creates a config instance for the bsdeej object and sets up a viper instance for the config file
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configDir string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configFilepath:     filepath.Join(configDir, userConfigName+"."+configType),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(configDir)

	userConfig.SetDefault(configKeySliderMapping, map[string]interface{}{})
	userConfig.SetDefault(configKeyCOMPort, defaultCOMPort)
	userConfig.SetDefault(configKeyBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeyUdpPort, 0)
	userConfig.SetDefault(configKeyReconnectDelaySeconds, defaultReconnectDelaySeconds)
	userConfig.SetDefault(configKeySliderCount, defaultSliderCount)
	userConfig.SetDefault(configKeyMasterSlider, defaultMasterSlider)
	userConfig.SetDefault(configKeyChangeThreshold, defaultChangeThreshold)
	userConfig.SetDefault(configKeyMaxRawValue, defaultMaxRawValue)

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", cc.configFilepath)

	return cc, nil
}

// Load reads bsdeej's config file from disk and tries to parse it
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.configFilepath)

	// make sure it exists
	if !util.FileExists(cc.configFilepath) {
		cc.logger.Warnw("Config file not found", "path", cc.configFilepath)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must exist for bsdeej to start. Please re-launch", cc.configFilepath))

		return fmt.Errorf("config file doesn't exist: %s", cc.configFilepath)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.configFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check bsdeej's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())

		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sliderMapping", cc.sliderMapping,
		"connectionInfo", cc.connectionInfo,
		"udpPort", cc.udpPort,
		"sliderCount", cc.sliderCount,
		"masterSlider", cc.masterSlider,
		"changeThreshold", cc.changeThreshold)

	return nil
}

// MixerSettings returns a snapshot of everything the mixer engine needs
func (cc *CanonicalConfig) MixerSettings() MixerSettings {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return MixerSettings{
		SliderCount:     cc.sliderCount,
		MasterSlider:    cc.masterSlider,
		ChangeThreshold: cc.changeThreshold,
		MaxRawValue:     cc.maxRawValue,
		SliderMapping:   cc.sliderMapping,
	}
}

// Connection returns the serial connection parameters
func (cc *CanonicalConfig) Connection() ConnectionInfo {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.connectionInfo
}

// UdpPort returns the UDP port to listen on, or 0 when the serial connection should be used
func (cc *CanonicalConfig) UdpPort() int {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.udpPort
}

// ReconnectDelay returns how long to wait between connection attempts
func (cc *CanonicalConfig) ReconnectDelay() time.Duration {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.reconnectDelay
}

// Dump renders the effective (defaulted and canonized) configuration as YAML
func (cc *CanonicalConfig) Dump() ([]byte, error) {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	dc := dumpedConfig{
		COMPort:               cc.connectionInfo.COMPort,
		BaudRate:              cc.connectionInfo.BaudRate,
		UdpPort:               cc.udpPort,
		ReconnectDelaySeconds: cc.reconnectDelay.Seconds(),
		SliderCount:           cc.sliderCount,
		MasterSlider:          cc.masterSlider,
		ChangeThreshold:       cc.changeThreshold,
		MaxRawValue:           cc.maxRawValue,
		SliderMapping:         map[int][]string{},
	}

	if cc.sliderMapping != nil {
		cc.sliderMapping.Iterate(func(idx int, targets []string) {
			dc.SliderMapping[idx] = targets
		})
	}

	out, err := yaml.Marshal(&dc)
	if err != nil {
		return nil, fmt.Errorf("marshal effective config: %w", err)
	}

	return out, nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *CanonicalConfig) populateFromVipers() error {
	sliderCount := cc.userConfig.GetInt(configKeySliderCount)
	if sliderCount <= 0 {
		return fmt.Errorf("%s must be positive, got %d", configKeySliderCount, sliderCount)
	}

	masterSlider := cc.userConfig.GetInt(configKeyMasterSlider)
	if masterSlider < 0 || masterSlider >= sliderCount {
		return fmt.Errorf("%s must be between 0 and %d, got %d", configKeyMasterSlider, sliderCount-1, masterSlider)
	}

	changeThreshold := cc.userConfig.GetInt(configKeyChangeThreshold)
	if changeThreshold < 0 {
		return fmt.Errorf("%s can't be negative, got %d", configKeyChangeThreshold, changeThreshold)
	}

	maxRawValue := cc.userConfig.GetInt(configKeyMaxRawValue)
	if maxRawValue <= 0 {
		return fmt.Errorf("%s must be positive, got %d", configKeyMaxRawValue, maxRawValue)
	}

	sliderMapping, err := sliderMapFromConfig(
		cc.logger,
		cc.userConfig.GetStringMap(configKeySliderMapping),
		sliderCount,
		masterSlider,
	)
	if err != nil {
		return fmt.Errorf("parse %s: %w", configKeySliderMapping, err)
	}

	connectionInfo := ConnectionInfo{
		COMPort:  cc.userConfig.GetString(configKeyCOMPort),
		BaudRate: cc.userConfig.GetInt(configKeyBaudRate),
	}

	// silently ignore invalid baud rates
	if connectionInfo.BaudRate <= 0 {
		cc.logger.Warnw("Invalid baud rate specified, using default value",
			"key", configKeyBaudRate,
			"invalidValue", connectionInfo.BaudRate,
			"defaultValue", defaultBaudRate)

		connectionInfo.BaudRate = defaultBaudRate
	}

	reconnectDelaySeconds := cc.userConfig.GetFloat64(configKeyReconnectDelaySeconds)
	if reconnectDelaySeconds <= 0 {
		cc.logger.Warnw("Invalid reconnect delay specified, using default value",
			"key", configKeyReconnectDelaySeconds,
			"invalidValue", reconnectDelaySeconds,
			"defaultValue", defaultReconnectDelaySeconds)

		reconnectDelaySeconds = defaultReconnectDelaySeconds
	}

	udpPort := cc.userConfig.GetInt(configKeyUdpPort)
	if udpPort < 0 || udpPort > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535, got %d", configKeyUdpPort, udpPort)
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()

	cc.sliderCount = sliderCount
	cc.masterSlider = masterSlider
	cc.changeThreshold = changeThreshold
	cc.maxRawValue = maxRawValue
	cc.sliderMapping = sliderMapping
	cc.connectionInfo = connectionInfo
	cc.reconnectDelay = time.Duration(reconnectDelaySeconds * float64(time.Second))
	cc.udpPort = udpPort

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {

		// a consumer that hasn't picked up the previous reload yet will see the latest values anyway
		select {
		case consumer <- true:
		default:
		}
	}
}
