package deej

// SliderController is a source of slider lines (a serial port, a UDP socket) that feeds the mixer engine
type SliderController interface {
	Start() error
	Stop()
}
