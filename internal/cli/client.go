package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/stratumhq/stratad/internal/paths"
	"github.com/stratumhq/stratad/internal/protocol"
)

const dialTimeout = 2 * time.Second

var errDaemonDown = errors.New("daemon is not running")

// Returns the socket path the CLI should talk to.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}

// Reports whether the daemon is accepting connections.
func daemonRunning() bool {
	conn, err := net.DialTimeout("unix", socketPath(), dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Performs one request-response exchange with the daemon.
//
// Commands like build can take a while; the exchange has no read deadline
// and relies on the daemon to always answer or close the connection.
func roundTrip(cmd protocol.Command, payload any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errDaemonDown, err)
	}
	defer conn.Close()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return nil, err
	}
	data = append(data, byte(10))
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write to daemon: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes(byte(10))
	if err != nil {
		return nil, fmt.Errorf("read from daemon: %w", err)
	}

	env, result, err := protocol.Decode(line)
	if err != nil {
		return nil, err
	}

	if env.Command == protocol.CmdError {
		errResult, err := protocol.DecodePayload[protocol.ErrorResult](result)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(errResult.Message)
	}

	return result, nil
}
