package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var userPassword string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage registered users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a user or change its password",
	Long: `Register a user or change its password. The password is taken from
--password, or read as one line from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := userPassword
		if password == "" {
			var err error
			password, err = readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.CreateUser(args[0], password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %q saved\n", args[0])
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a user with its contacts, history and statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.RemoveUser(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %q removed\n", args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		users, err := database.Users()
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "LAST LOGIN")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\n", u.Name, formatTime(u.LastLogin))
		}
		return tw.Flush()
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List users with a live session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		active, err := database.ActiveUsers()
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "ADDRESS", "PORT", "LOGIN TIME")
		for _, u := range active {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", u.Name, u.Address, u.Port, formatTime(u.LoginTime))
		}
		return tw.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show the login history of one or all users",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		records, err := database.LoginHistory(name)
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "TIME", "ADDRESS", "PORT")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Name, formatTime(r.Time), r.Address, r.Port)
		}
		return tw.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-user message counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()
		stats, err := database.Statistics()
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "LAST LOGIN", "SENT", "RECEIVED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.Name, formatTime(s.LastLogin), s.SentCount, s.ReceivedCount)
		}
		return tw.Flush()
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (read from stdin if empty)")
	userCmd.AddCommand(userAddCmd, userRemoveCmd, userListCmd)
	rootCmd.AddCommand(userCmd, activeCmd, historyCmd, statsCmd)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
