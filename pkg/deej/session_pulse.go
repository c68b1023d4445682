package deej

import (
	"fmt"
	"math"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

// Session for a sink input (an individual program's stream)
type paStreamSession struct {
	baseSession

	processName string

	client *proto.Client

	sinkInputIndex    uint32
	sinkInputChannels byte
}

// Session for an output device (sink)
type paSinkSession struct {
	baseSession

	client *proto.Client

	sinkIndex    uint32
	sinkChannels byte
}

func newPAStreamSession(
	logger *zap.SugaredLogger,
	client *proto.Client,
	sinkInputIndex uint32,
	sinkInputChannels byte,
	processName string,
) *paStreamSession {

	s := &paStreamSession{
		client:            client,
		sinkInputIndex:    sinkInputIndex,
		sinkInputChannels: sinkInputChannels,
	}

	s.processName = processName
	s.name = processName
	s.humanReadableDesc = fmt.Sprintf("%s (sink input %d)", processName, sinkInputIndex)

	// use a self-identifying session name e.g. bsdeej.sessions.vlc
	s.logger = logger.Named(s.Key())
	s.logger.Debugw(sessionCreationLogMessage, "session", s.humanReadableDesc)

	return s
}

func newPASinkSession(
	logger *zap.SugaredLogger,
	client *proto.Client,
	sinkIndex uint32,
	sinkChannels byte,
	sinkName string,
) *paSinkSession {

	s := &paSinkSession{
		client:       client,
		sinkIndex:    sinkIndex,
		sinkChannels: sinkChannels,
	}

	s.device = true
	s.name = sinkName
	s.humanReadableDesc = sinkName

	s.logger = logger.Named(s.Key())
	s.logger.Debugw(sessionCreationLogMessage, "session", s.humanReadableDesc)

	return s
}

func (s *paStreamSession) SetVolume(v float32) error {
	volumes := createChannelVolumes(s.sinkInputChannels, v)
	request := proto.SetSinkInputVolume{
		SinkInputIndex: s.sinkInputIndex,
		ChannelVolumes: volumes,
	}

	if err := s.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set session volume", "error", err)
		return fmt.Errorf("adjust session volume: %w", err)
	}

	s.logger.Debugw("Adjusting session volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *paStreamSession) Release() {
	s.logger.Debug("Releasing audio session")
}

func (s *paStreamSession) String() string {
	return fmt.Sprintf(sessionStringFormat, s.humanReadableDesc)
}

func (s *paSinkSession) SetVolume(v float32) error {
	request := proto.SetSinkVolume{
		SinkIndex:      s.sinkIndex,
		ChannelVolumes: createChannelVolumes(s.sinkChannels, v),
	}

	if err := s.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set session volume",
			"error", err,
			"volume", v)

		return fmt.Errorf("adjust session volume: %w", err)
	}

	s.logger.Debugw("Adjusting session volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (s *paSinkSession) Release() {
	s.logger.Debug("Releasing audio session")
}

func (s *paSinkSession) String() string {
	return fmt.Sprintf(sessionStringFormat, s.humanReadableDesc)
}

// every channel gets the same scalar. levels above 1.0 are passed through (PulseAudio treats them as boost),
// up to the largest volume the protocol can carry
func createChannelVolumes(channels byte, volume float32) []uint32 {
	scaled := float64(volume) * maxVolume

	var channelVolume uint32

	switch {
	case scaled <= 0:
		channelVolume = 0
	case scaled >= math.MaxUint32:
		channelVolume = math.MaxUint32
	default:
		channelVolume = uint32(scaled)
	}

	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = channelVolume
	}

	return volumes
}
