package deej

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/jax-b/bsdeej/pkg/deej/util"
)

const (

	// after this many failed attempts in a row, let the user know we're still trying
	notifyAfterFailedAttempts = 3

	readBufferSize = 256
)

type sessionEnd int

const (
	sessionStopped sessionEnd = iota
	sessionLost
	sessionRenew
)

// SerialIO provides a bsdeej-aware abstraction layer to managing serial I/O.
// It owns the line assembler and the mixer engine: every chunk, disconnect and
// config reload is handled on its single run loop
type SerialIO struct {
	deej   *Deej
	logger *zap.SugaredLogger

	stopChannel           chan bool
	doneChannel           chan bool
	configReloadedChannel chan bool
	running               bool

	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
	openPort    func(serial.OpenOptions) (io.ReadWriteCloser, error)

	assembler *LineAssembler
	engine    *MixerEngine

	failedAttempts int
}

// NewSerialIO creates a SerialIO instance that uses the provided bsdeej
// instance's connection info to establish communications with the controller
func NewSerialIO(deej *Deej, logger *zap.SugaredLogger, engine *MixerEngine) (*SerialIO, error) {
	logger = logger.Named("serial")

	sio := &SerialIO{
		deej:                  deej,
		logger:                logger,
		stopChannel:           make(chan bool),
		configReloadedChannel: deej.config.SubscribeToChanges(),
		openPort:              serial.Open,
		assembler:             NewLineAssembler(),
		engine:                engine,
	}

	logger.Debug("Created serial i/o instance")

	return sio, nil
}

// Start begins connecting to the controller in the background. Connection failures
// are retried until Stop is called
func (sio *SerialIO) Start() error {
	if sio.running {
		sio.logger.Warn("Already running, can't start another without stopping first")
		return errors.New("serial: connection loop already active")
	}

	sio.running = true
	sio.doneChannel = make(chan bool)

	go sio.run()

	return nil
}

// Stop signals us to shut down our serial connection and waits for it to close
func (sio *SerialIO) Stop() {
	if !sio.running {
		sio.logger.Debug("Not currently running, nothing to stop")
		return
	}

	sio.logger.Debug("Shutting down serial connection")
	sio.stopChannel <- true
	<-sio.doneChannel

	sio.running = false
}

func (sio *SerialIO) run() {
	defer close(sio.doneChannel)
	defer sio.deej.recoverFromPanic()

	for {
		if err := sio.connect(); err != nil {
			sio.onConnectFailed(err)
		} else {
			switch sio.session() {
			case sessionStopped:
				return
			case sessionRenew:
				continue
			}
		}

		// wait before attempting to reconnect
		select {
		case <-sio.stopChannel:
			sio.logger.Debug("Stopped while waiting to reconnect")
			return
		case <-sio.configReloadedChannel:
			sio.logger.Debug("Config reloaded while disconnected, retrying right away")
			sio.engine.Reconfigure(sio.deej.config.MixerSettings())
		case <-time.After(sio.deej.config.ReconnectDelay()):
		}
	}
}

func (sio *SerialIO) connect() error {
	connectionInfo := sio.deej.config.Connection()

	// set minimum read size according to platform (0 for windows, 1 for linux)
	// this prevents a rare bug on windows where serial reads get congested,
	// resulting in significant lag
	minimumReadSize := 0
	if util.Linux() {
		minimumReadSize = 1
	}

	sio.connOptions = serial.OpenOptions{
		PortName:        connectionInfo.COMPort,
		BaudRate:        uint(connectionInfo.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: uint(minimumReadSize),
	}

	sio.logger.Debugw("Attempting serial connection",
		"comPort", sio.connOptions.PortName,
		"baudRate", sio.connOptions.BaudRate,
		"minReadSize", minimumReadSize)

	conn, err := sio.openPort(sio.connOptions)
	if err != nil {
		sio.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial connection: %w", err)
	}

	sio.conn = conn
	sio.failedAttempts = 0

	return nil
}

func (sio *SerialIO) onConnectFailed(err error) {
	sio.failedAttempts++

	if sio.failedAttempts != notifyAfterFailedAttempts {
		return
	}

	comPort := sio.connOptions.PortName
	title := fmt.Sprintf("Can't connect to %s!", comPort)

	switch {

	// if the port is busy, that's because something else is connected
	case errors.Is(err, os.ErrPermission):
		sio.logger.Warnw("Serial port seems busy, notifying user", "comPort", comPort)
		sio.deej.notifier.Notify(title,
			"This serial port is busy, make sure to close any serial monitor or other bsdeej instance.")

	// maybe their config is wrong, or the board is unplugged
	case errors.Is(err, os.ErrNotExist):
		sio.logger.Warnw("Provided COM port seems wrong, notifying user", "comPort", comPort)
		sio.deej.notifier.Notify(title,
			"This serial port doesn't exist, check your configuration and make sure the board is plugged in.")

	default:
		sio.logger.Warnw("Repeatedly failing to connect, notifying user", "comPort", comPort, "error", err)
		sio.deej.notifier.Notify(title, "Still retrying in the background. Check bsdeej's logs for more details.")
	}
}

// session pumps a live connection until it's lost, stopped, or its parameters change
func (sio *SerialIO) session() sessionEnd {
	namedLogger := sio.logger.Named(strings.ToLower(sio.connOptions.PortName))
	namedLogger.Infow("Connected", "conn", sio.conn)

	done := make(chan bool)
	defer close(done)

	chunks, readErrors := sio.readChunks(namedLogger, sio.conn, done)

	for {
		select {
		case <-sio.stopChannel:
			sio.close(namedLogger)
			return sessionStopped

		case chunk := <-chunks:
			sio.handleChunk(namedLogger, chunk)

		case err := <-readErrors:
			namedLogger.Warnw("Serial connection lost, reconnecting", "error", err)
			sio.close(namedLogger)

			return sessionLost

		case <-sio.configReloadedChannel:

			// any config reload resets the baseline, so the next line re-applies every slider with the new mapping
			sio.engine.Reconfigure(sio.deej.config.MixerSettings())

			connectionInfo := sio.deej.config.Connection()

			// if connection params have changed, attempt to stop and start the connection
			if connectionInfo.COMPort != sio.connOptions.PortName ||
				uint(connectionInfo.BaudRate) != sio.connOptions.BaudRate {

				namedLogger.Info("Detected change in connection parameters, attempting to renew connection")
				sio.close(namedLogger)

				return sessionRenew
			}
		}
	}
}

func (sio *SerialIO) handleChunk(logger *zap.SugaredLogger, chunk []byte) {
	for _, line := range sio.assembler.Feed(chunk) {
		if sio.deej.Verbose() {
			logger.Debugw("Read new line", "line", line)
		}

		sio.engine.HandleLine(line)
	}
}

// close tears the connection down, and makes sure nothing from it leaks into the next one
func (sio *SerialIO) close(logger *zap.SugaredLogger) {
	if err := sio.conn.Close(); err != nil {
		logger.Warnw("Failed to close serial connection", "error", err)
	} else {
		logger.Debug("Serial connection closed")
	}

	if pending := sio.assembler.Buffered(); pending > 0 {
		logger.Debugw("Dropping partial line", "bytes", pending)
	}

	sio.conn = nil
	sio.assembler.Reset()
	sio.engine.Reset()
}

func (sio *SerialIO) readChunks(logger *zap.SugaredLogger, conn io.Reader, done chan bool) (chan []byte, chan error) {
	chunks := make(chan []byte)
	readErrors := make(chan error, 1)

	go func() {
		buf := make([]byte, readBufferSize)

		for {
			n, err := conn.Read(buf)

			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])

				select {
				case chunks <- chunk:
				case <-done:
					return
				}
			}

			if err != nil {
				if sio.deej.Verbose() {
					logger.Debugw("Serial read loop ending", "error", err)
				}

				readErrors <- err
				return
			}
		}
	}()

	return chunks, readErrors
}
