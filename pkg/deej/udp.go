package deej

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

const maxDatagramSize = 4096

// UdpIO receives slider lines as UDP datagrams, for controllers that talk over Wi-Fi instead of USB.
// Each datagram is one frame; it goes through the same assembler and engine as serial data
type UdpIO struct {
	deej   *Deej
	logger *zap.SugaredLogger

	stopChannel           chan bool
	doneChannel           chan bool
	configReloadedChannel chan bool

	connection *net.UDPConn

	assembler *LineAssembler
	engine    *MixerEngine
}

// NewUdpIO creates a UdpIO instance that listens on the configured UDP port
func NewUdpIO(deej *Deej, logger *zap.SugaredLogger, engine *MixerEngine) (*UdpIO, error) {
	logger = logger.Named("udp")

	udpio := &UdpIO{
		deej:                  deej,
		logger:                logger,
		stopChannel:           make(chan bool),
		configReloadedChannel: deej.config.SubscribeToChanges(),
		assembler:             NewLineAssembler(),
		engine:                engine,
	}

	logger.Debug("Created UDP i/o instance")

	return udpio, nil
}

// Start creates a UDP listener
func (udpio *UdpIO) Start() error {
	if udpio.connection != nil {
		udpio.logger.Warn("Already listening, can't start another without stopping first")
		return errors.New("udp: listener already active")
	}

	s, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", udpio.deej.config.UdpPort()))
	if err != nil {
		udpio.logger.Warnw("Failed to resolve UDP address", "error", err)
		return fmt.Errorf("resolve udp address: %w", err)
	}

	connection, err := net.ListenUDP("udp4", s)
	if err != nil {
		udpio.logger.Warnw("Failed to start UDP listener", "error", err)
		return fmt.Errorf("start udp listener: %w", err)
	}

	udpio.connection = connection
	udpio.doneChannel = make(chan bool)

	namedLogger := udpio.logger.Named(connection.LocalAddr().String())
	namedLogger.Infow("Listening", "conn", udpio.connection.LocalAddr())

	// read packets or await a stop
	go func() {
		defer close(udpio.doneChannel)
		defer udpio.deej.recoverFromPanic()

		done := make(chan bool)
		defer close(done)

		packetChannel := udpio.readPacket(namedLogger, done)

		for {
			select {
			case <-udpio.stopChannel:
				udpio.close(namedLogger)
				return
			case packet, ok := <-packetChannel:
				if !ok {

					// the socket died under us; there's no peer connection to re-establish
					namedLogger.Warn("UDP listener stopped receiving")
					<-udpio.stopChannel
					udpio.close(namedLogger)

					return
				}

				udpio.handlePacket(namedLogger, packet)
			case <-udpio.configReloadedChannel:
				udpio.engine.Reconfigure(udpio.deej.config.MixerSettings())
			}
		}
	}()

	return nil
}

// Stop signals us to shut down our UDP listener, if one is active
func (udpio *UdpIO) Stop() {
	if udpio.connection == nil {
		udpio.logger.Debug("Not currently listening, nothing to stop")
		return
	}

	udpio.logger.Debug("Shutting down UDP listener")
	udpio.stopChannel <- true
	<-udpio.doneChannel
}

func (udpio *UdpIO) readPacket(logger *zap.SugaredLogger, done chan bool) chan []byte {
	packetChannel := make(chan []byte)
	connection := udpio.connection

	go func() {
		defer close(packetChannel)

		buf := make([]byte, maxDatagramSize)

		for {
			bytesRead, _, err := connection.ReadFromUDP(buf)
			if err != nil {
				if udpio.deej.Verbose() {
					logger.Debugw("UDP read loop ending", "error", err)
				}

				return
			}

			packet := make([]byte, bytesRead)
			copy(packet, buf[:bytesRead])

			select {
			case packetChannel <- packet:
			case <-done:
				return
			}
		}
	}()

	return packetChannel
}

func (udpio *UdpIO) handlePacket(logger *zap.SugaredLogger, packet []byte) {

	// a datagram is always a complete frame, whether or not the sender terminated it
	if len(packet) == 0 || packet[len(packet)-1] != lineTerminator {
		packet = append(packet, lineTerminator)
	}

	for _, line := range udpio.assembler.Feed(packet) {
		if udpio.deej.Verbose() {
			logger.Debugw("Read new packet", "line", line)
		}

		udpio.engine.HandleLine(line)
	}
}

func (udpio *UdpIO) close(logger *zap.SugaredLogger) {
	if err := udpio.connection.Close(); err != nil {
		logger.Warnw("Failed to close UDP connection", "error", err)
	} else {
		logger.Debug("UDP connection closed")
	}

	udpio.connection = nil
	udpio.assembler.Reset()
	udpio.engine.Reset()
}
