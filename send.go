package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/client"

	"github.com/spf13/cobra"
)

var sendOpts struct {
	server   string
	user     string
	password string
	to       string
	timeout  time.Duration
	wait     time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Log in and send one chat message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendOpts.user == "" || sendOpts.to == "" {
			return errors.New("--user and --to are required")
		}
		c, err := client.Dial(cmd.Context(), sendOpts.server)
		if err != nil {
			return err
		}
		defer c.Close()
		c.SetTimeout(sendOpts.timeout)

		if err := c.Login(sendOpts.user, sendOpts.password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := c.SendMessage(sendOpts.to, strings.Join(args, " ")); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		// Delivery is not acknowledged, but an unknown recipient is reported.
		if err := c.Confirm(sendOpts.wait); err != nil {
			c.Disconnect()
			return fmt.Errorf("send: %w", err)
		}
		return c.Disconnect()
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.server, "server", "127.0.0.1:7777", "Relay address (host:port)")
	f.StringVar(&sendOpts.user, "user", "", "User to log in as")
	f.StringVar(&sendOpts.password, "password", "", "Password of --user")
	f.StringVar(&sendOpts.to, "to", "", "Recipient")
	f.DurationVar(&sendOpts.timeout, "timeout", 5*time.Second, "I/O timeout")
	f.DurationVar(&sendOpts.wait, "wait", 500*time.Millisecond, "How long to wait for a rejection after sending")
	rootCmd.AddCommand(sendCmd)
}
