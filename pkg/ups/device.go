package ups

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 2400
	DefaultReadTimeout = 1 * time.Second

	// replies are well under this; anything longer is garbage on the line
	maxFrameLength = 256
)

// ErrNoResponse is returned when the device stays silent for a whole read
// timeout.
var ErrNoResponse = errors.New("no response from UPS before read timeout")

// Port is the subset of a serial port the device needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens the serial device at path. Tests substitute their own.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Device is a UPS reachable on a serial line. The port is opened for each
// query and closed again so nothing is held between polls.
type Device struct {
	Path        string
	Name        string
	BaudRate    int
	ReadTimeout time.Duration
	Open        Opener
}

func NewDevice(path, name string) *Device {
	return &Device{
		Path:        path,
		Name:        name,
		BaudRate:    DefaultBaudRate,
		ReadTimeout: DefaultReadTimeout,
		Open:        OpenSerial,
	}
}

// Status queries the device once and decodes its reply.
func (d *Device) Status(ctx context.Context) (Status, error) {
	raw, err := d.Query(ctx, QueryCommand)
	if err != nil {
		return Status{}, err
	}
	return Decode(raw)
}

// Query writes command and returns the raw reply line including its
// start-of-frame marker.
func (d *Device) Query(ctx context.Context, command string) ([]byte, error) {
	open := d.Open
	if open == nil {
		open = OpenSerial
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudRate
	}
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	port, err := open(d.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", d.Path, err)
	}
	defer func() {
		if err := port.Close(); err != nil {
			log.Warn().Err(err).Str("device", d.Path).Msg("could not close serial port")
		}
	}()

	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", d.Path, err)
	}
	if _, err := port.Write([]byte(command)); err != nil {
		return nil, fmt.Errorf("failed to write command to %s: %w", d.Path, err)
	}
	log.Debug().Str("device", d.Path).Str("command", command).Msg("sent UPS query")

	return readLine(ctx, port, timeout)
}

// readLine reads up to the first CR or LF. A read that returns no data
// means the port timed out; whatever was read so far is returned.
func readLine(ctx context.Context, r io.Reader, timeout time.Duration) ([]byte, error) {
	var (
		line     []byte
		buf      = make([]byte, 64)
		deadline = time.Now().Add(timeout)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexAny(chunk, "\r\n"); i >= 0 {
				return append(line, chunk[:i+1]...), nil
			}
			line = append(line, chunk...)
			if len(line) > maxFrameLength {
				return nil, &MalformedResponseError{Reason: "reply exceeds maximum frame length", Raw: line}
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read from UPS: %w", err)
		}
		// n == 0 is the serial driver reporting a timeout
		if n == 0 || errors.Is(err, io.EOF) || time.Now().After(deadline) {
			if len(line) == 0 {
				return nil, ErrNoResponse
			}
			return line, nil
		}
	}
}
