package armer

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

// BusSettings are the serial settings every holder of a port must agree on.
type BusSettings struct {
	Baudrate int
	Timeout  time.Duration
}

// servoBus is a feetech bus held in the shared registry.
type servoBus struct {
	*feetech.Bus
	port string
}

func (b *servoBus) Close() error {
	b.Bus.Close()
	return nil
}

var sharedBuses = NewSharedRegistry(openServoBus)

func openServoBus(port string, settings BusSettings) (*servoBus, error) {
	if settings.Timeout == 0 {
		settings.Timeout = time.Second
	}
	if settings.Baudrate == 0 {
		settings.Baudrate = 1000000
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: settings.Baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  settings.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &servoBus{Bus: bus, port: port}, nil
}

// AcquireBus returns the shared bus for port, opening it on first use.
func AcquireBus(port string, settings BusSettings) (*servoBus, error) {
	return sharedBuses.Acquire(port, settings)
}

// ReleaseBus drops one reference to the bus on port.
func ReleaseBus(port string) error {
	return sharedBuses.Release(port)
}

// newServoJointsOnBus builds calibrated servos for cals on bus.
func newServoJointsOnBus(bus *servoBus, names []string, cals []*MotorCalibration, clk clock.Clock) (*ServoJoints, error) {
	servos := make([]*CalibratedServo, len(cals))
	for i, cal := range cals {
		servos[i] = NewCalibratedServo(feetech.NewServo(bus.Bus, cal.ID, &feetech.ModelSTS3215), cal)
	}
	return NewServoJoints(names, servos, clk)
}
