package cli

import (
	"context"
	"fmt"

	"github.com/stratumhq/stratad/internal/protocol"
)

// Represents the 'stratad stop' command.
type StopCmd struct{}

// Executes the stop command, stopping the daemon-managed service.
func (c *StopCmd) Run(ctx context.Context) error {
	result, err := roundTrip(protocol.CmdStop, nil)
	if err != nil {
		return err
	}

	sr, err := protocol.DecodePayload[protocol.StopResult](result)
	if err != nil {
		return err
	}

	fmt.Printf("service stopped (exit code %d)\n", sr.ExitCode)
	return nil
}

// Represents the 'stratad status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	result, err := roundTrip(protocol.CmdStatus, nil)
	if err != nil {
		return err
	}

	st, err := protocol.DecodePayload[protocol.StatusResult](result)
	if err != nil {
		return err
	}

	fmt.Printf("stratad %s (pid %d), up %s, %d builds\n", st.Version, st.Pid, st.Uptime, st.Builds)
	if st.Service != "" {
		fmt.Printf("service running: %s\n", st.Service)
	} else {
		fmt.Println("no service running")
	}
	return nil
}

// Represents the 'stratad shutdown' command.
type ShutdownCmd struct{}

// Executes the shutdown command.
func (c *ShutdownCmd) Run(ctx context.Context) error {
	if _, err := roundTrip(protocol.CmdShutdown, nil); err != nil {
		return err
	}

	fmt.Println("daemon shutting down")
	return nil
}
