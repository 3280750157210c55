package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/client"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/server"

	"github.com/creachadair/taskgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTarget struct{ stopped bool }

func (f *fakeTarget) Stats() string { return "connections=2,users=kate" }
func (f *fakeTarget) Sessions() []models.Session {
	return []models.Session{
		{ID: "a", Address: "127.0.0.1:1", Stage: "authenticated", Name: "kate"},
		{ID: "b", Address: "127.0.0.1:2", Stage: "new"},
	}
}
func (f *fakeTarget) Stop() { f.stopped = true }

func control(t *testing.T, target controlTarget, cmd string) string {
	t.Helper()
	cc, sc := net.Pipe()
	defer cc.Close()
	task := taskgroup.Go(func() error {
		handleControlCommand(target, sc, zaptest.NewLogger(t))
		return nil
	})
	_, err := cc.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(cc).ReadString('\n')
	require.NoError(t, err)
	task.Wait()
	return strings.TrimSpace(line)
}

func TestControlCommands(t *testing.T) {
	target := &fakeTarget{}

	assert.Equal(t, "OK|connections=2,users=kate", control(t, target, "stats"))
	assert.Equal(t, "OK|a,127.0.0.1:1,authenticated,kate;b,127.0.0.1:2,new,", control(t, target, "sessions"))
	assert.Equal(t, "ERROR|Unknown command", control(t, target, "reboot"))
	assert.False(t, target.stopped)

	assert.Equal(t, "OK|Shutting down", control(t, target, "shutdown|upgrade"))
	assert.True(t, target.stopped)
}

func TestReadPassword(t *testing.T) {
	got, err := readPassword(strings.NewReader("s3cret\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", got)

	_, err = readPassword(strings.NewReader("\n"))
	assert.Error(t, err)
}

func execute(stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	defer func() {
		userPassword = ""
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := execute(stdin, args...)
	require.NoError(t, err, "chatrelay %s", strings.Join(args, " "))
	return out
}

func TestUserCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	run(t, "", "--db", dbPath, "user", "add", "kate", "--password", "kate-password")
	run(t, "nik-password\n", "--db", dbPath, "user", "add", "nik")

	out := run(t, "", "--db", dbPath, "user", "list")
	assert.Contains(t, out, "kate")
	assert.Contains(t, out, "nik")

	out = run(t, "", "--db", dbPath, "stats")
	assert.Contains(t, out, "SENT")

	run(t, "", "--db", dbPath, "user", "remove", "nik")
	out = run(t, "", "--db", dbPath, "user", "list")
	assert.NotContains(t, out, "nik")

	out = run(t, "", "--db", dbPath, "history")
	assert.Contains(t, out, "ADDRESS")
}

func TestServeShutdown(t *testing.T) {
	saved := *cfg
	t.Cleanup(func() { *cfg = saved })
	dbPath := filepath.Join(t.TempDir(), "serve.db")
	sock := filepath.Join(t.TempDir(), "ctl.sock")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := fmt.Sprint(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	task := taskgroup.Go(func() error {
		_, err := execute("", "--db", dbPath, "serve",
			"--host", "127.0.0.1", "--port", port, "--admin=", "--control-socket", sock)
		return err
	})

	var reply string
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		defer conn.Close()
		fmt.Fprint(conn, "shutdown|test\n")
		reply, _ = bufio.NewReader(conn).ReadString('\n')
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "OK|Shutting down\n", reply)
	require.NoError(t, task.Wait())
}

func TestSendReportsRejection(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "send.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.CreateUser("kate", "kate-password"))
	require.NoError(t, database.CreateUser("nik", "nik-password"))

	srv := server.New(database, server.ServerConfig{
		Addr:          "127.0.0.1:0",
		AcceptTimeout: 10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, srv.Start())
	defer func() {
		srv.Stop()
		srv.Wait()
	}()
	addr := srv.Addr().String()

	_, err = execute("", "send", "--server", addr, "--user", "kate", "--password", "kate-password",
		"--wait", "300ms", "--to", "nobody", "hi")
	var rerr *client.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 400, rerr.Code)
	assert.Equal(t, "Wrong user name", rerr.Text)

	// Sending to a connected user gets no reply and succeeds.
	_, err = execute("", "send", "--server", addr, "--user", "nik", "--password", "nik-password",
		"--wait", "300ms", "--to", "nik", "hi")
	assert.NoError(t, err)
}
