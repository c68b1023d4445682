package deej

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jfreymuth/pulse/proto"
	"github.com/mitchellh/go-ps"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// prefix for device sessions in logger
	deviceSessionFormat = "device.%s"

	propProcessBinary = "application.process.binary"
	propProcessID     = "application.process.id"
)

type paSessionFinder struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn
}

func newSessionFinder(logger *zap.SugaredLogger) (*paSessionFinder, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("bsdeej"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		logger.Warnw("Failed to register PulseAudio client name", "error", err)

		if closeErr := conn.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}

		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	sf := &paSessionFinder{
		logger:        logger.Named("session_finder"),
		sessionLogger: logger.Named("sessions"),
		client:        client,
		conn:          conn,
	}

	sf.logger.Debug("Created PA session finder instance")

	return sf, nil
}

// ListOutputSinks returns a session per PulseAudio sink
func (sf *paSessionFinder) ListOutputSinks() ([]Session, error) {
	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := sf.client.Request(&request, &reply); err != nil {
		sf.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sessions := []Session{}

	for _, info := range reply {
		sessions = append(sessions, newPASinkSession(sf.sessionLogger, sf.client, info.SinkIndex, info.Channels, info.SinkName))
	}

	return sessions, nil
}

// FindStreamsByProcessName returns a session per sink input owned by the given process binary
func (sf *paSessionFinder) FindStreamsByProcessName(name string) ([]Session, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := sf.client.Request(&request, &reply); err != nil {
		sf.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	sessions := []Session{}

	for _, info := range reply {
		processName, ok := sf.processNameOf(info.SinkInputIndex, info.Properties)
		if !ok || processName != name {
			continue
		}

		sessions = append(sessions, newPAStreamSession(sf.sessionLogger, sf.client, info.SinkInputIndex, info.Channels, processName))
	}

	return sessions, nil
}

func (sf *paSessionFinder) Release() error {
	if err := sf.conn.Close(); err != nil {
		sf.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	sf.logger.Debug("Released PA session finder instance")

	return nil
}

// some clients (flatpaks, mostly) don't report their binary, only their pid. look those up ourselves
func (sf *paSessionFinder) processNameOf(sinkInputIndex uint32, props proto.PropList) (string, bool) {
	if binary, ok := props[propProcessBinary]; ok {
		return binary.String(), true
	}

	pidProp, ok := props[propProcessID]
	if !ok {
		sf.logger.Debugw("Sink input reports no process information", "sinkInputIndex", sinkInputIndex)
		return "", false
	}

	pid, err := strconv.Atoi(pidProp.String())
	if err != nil {
		sf.logger.Debugw("Sink input reports an invalid process id",
			"sinkInputIndex", sinkInputIndex,
			"pid", pidProp.String())

		return "", false
	}

	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		sf.logger.Debugw("Failed to find process name by ID", "pid", pid, "error", err)
		return "", false
	}

	return process.Executable(), true
}
