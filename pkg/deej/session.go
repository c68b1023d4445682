package deej

import (
	"fmt"

	"go.uber.org/zap"
)

// Session represents a single addressable audio target: either an output sink (device)
// or an application's stream
type Session interface {
	SetVolume(v float32) error

	Key() string
	Release()
}

// AudioBackend is everything the mixer engine needs from the system's audio server
type AudioBackend interface {

	// ListOutputSinks returns a session for every output device currently known to the audio server
	ListOutputSinks() ([]Session, error)

	// FindStreamsByProcessName returns a session for every playing stream owned by a process with the given name.
	// No matching streams is not an error
	FindStreamsByProcessName(name string) ([]Session, error)

	Release() error
}

const (
	sessionCreationLogMessage = "Created audio session instance"

	sessionStringFormat = "<session: %s>"
)

type baseSession struct {
	logger *zap.SugaredLogger
	device bool

	// used by Key(), needs to be set by child
	name string

	// used by String(), needs to be set by child
	humanReadableDesc string
}

func (s *baseSession) Key() string {
	if s.device {
		return fmt.Sprintf(deviceSessionFormat, s.name)
	}

	return s.name
}
