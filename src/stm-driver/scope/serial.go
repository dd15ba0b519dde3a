package scope

import (
	"context"
	"io/ioutil"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const defaultBaudRate = 115200

// connectSerial keeps a connection to a rig on a fixed serial port, reopening
// the port after failures until cancelled.
func connectSerial(ctx context.Context, log *logrus.Entry, portName string, baud int, tx chan interface{}, publish publishFn) {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	for {
		runSerial(ctx, log, portName, baud, tx, publish)

		if ctx.Err() != nil {
			return
		}
		time.Sleep(2 * time.Second)
	}
}

func runSerial(ctx context.Context, logger *logrus.Entry, portName string, baud int, tx chan interface{}, publish publishFn) {
	log := logger.WithField("port", portName)

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		log.WithError(err).Info("Failed to open serial port.")
		return
	}

	if err := port.SetReadTimeout(pollTimeout); err != nil {
		log.WithError(err).Info("Failed to set serial read timeout.")
		port.Close()
		return
	}

	log.Info("Serial port opened.")

	err = ioLoop(ctx, log, port, tx, publish)
	if ctx.Err() == nil {
		log.WithError(err).Info("Serial connection lost.")
	}
}

// ScanSerialPorts lists device files that look like rig serial links.
//
// NOTE Portability of serial device detection has not been tested beyond
// Linux systems.
func ScanSerialPorts() []string {
	deviceFileFolder := "/dev"

	files, err := ioutil.ReadDir(deviceFileFolder)
	if err != nil {
		return nil
	}

	var ports []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if strings.HasPrefix(f.Name(), "ttyACM") || strings.HasPrefix(f.Name(), "ttyUSB") {
			ports = append(ports, path.Join(deviceFileFolder, f.Name()))
		}
	}
	return ports
}
