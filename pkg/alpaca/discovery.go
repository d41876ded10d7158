package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultDiscoveryPort = 32227

	discoveryRequest = "alpacadiscovery1"
)

// DiscoveryResponder answers Alpaca discovery broadcasts with the port of
// the HTTP API.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder listening on addr:port that
// advertises alpacaPort.
func NewDiscoveryResponder(addr string, port, alpacaPort int, logger log.FieldLogger) (*DiscoveryResponder, error) {
	if alpacaPort <= 0 || alpacaPort > 65535 {
		return nil, fmt.Errorf("invalid Alpaca port: %d", alpacaPort)
	}

	dr := DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: []byte(fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort)),
		logger:   logger,
	}

	return &dr, nil
}

// Run serves discovery requests until ctx is done.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %w", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %w", err)
	}
	defer sock.Close()

	return d.serve(ctx, sock)
}

func (d *DiscoveryResponder) serve(ctx context.Context, sock *net.UDPConn) error {
	buf := make([]byte, 1024)

	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Set a read deadline to periodically check for context cancellation
		if err := sock.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(data, discoveryRequest) {
			if _, err := sock.WriteToUDP(d.response, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
