package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/souffleur/host/internal/config"
	apperrors "github.com/souffleur/host/internal/errors"
	"github.com/souffleur/host/internal/protocol"
	"github.com/souffleur/host/internal/storage"
)

// SendConfig holds configuration for the send command.
type SendConfig struct {
	Config   string
	Database string
	Host     string
	Port     int
	Secret   string
	Retries  int
	Interval time.Duration
	Timeout  time.Duration
}

// sendInitialInterval is the first retry delay; it grows exponentially.
var sendInitialInterval = 250 * time.Millisecond

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &SendConfig{}
	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.souffleur/config.toml)")
	fs.StringVar(&cfg.Database, "db", "", "Path to settings database holding the secret")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "Host address to connect to")
	fs.IntVar(&cfg.Port, "port", 0, "Command port (default: configured or last used port)")
	fs.StringVar(&cfg.Secret, "secret", "", "Shared secret (default: read from the settings database)")
	fs.IntVar(&cfg.Retries, "retries", 5, "Connection attempts after the first one fails")
	fs.DurationVar(&cfg.Interval, "interval", 0, "Delay between commands")
	fs.DurationVar(&cfg.Timeout, "timeout", 3*time.Second, "Dial and handshake timeout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: souffleur send [options] <command>...\n\nConnect like the mobile app and send navigation commands.\nCommands: HOME, PREVIOUS, NEXT, END, HELLO (case-insensitive)\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cmds, err := parseCommandArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Retries < 0 {
		fmt.Fprintf(stderr, "Error: --retries must not be negative\n")
		return 1
	}

	if err := resolveSendTarget(cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := dialAndAuthenticate(addr, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer conn.Close()

	for i, cmd := range cmds {
		if i > 0 && cfg.Interval > 0 {
			time.Sleep(cfg.Interval)
		}
		if err := protocol.WriteCommand(conn, cmd); err != nil {
			fmt.Fprintf(stderr, "Error: send %s: %v\n", cmd, err)
			return 1
		}
		fmt.Fprintf(stdout, "Sent %s\n", cmd)
	}
	return 0
}

func parseCommandArgs(args []string) ([]protocol.Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no commands given")
	}
	cmds := make([]protocol.Command, 0, len(args))
	for _, arg := range args {
		cmd, err := protocol.ParseCommand(strings.ToUpper(arg))
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// resolveSendTarget fills in the port and secret from the config file and
// settings database where the flags left them empty.
func resolveSendTarget(cfg *SendConfig) error {
	if cfg.Port != 0 && cfg.Secret != "" {
		return nil
	}

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		return err
	}
	if cfg.Port == 0 {
		cfg.Port = fileCfg.Port
	}

	dbPath, err := resolveDatabasePath(cfg.Database, fileCfg)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if cfg.Secret == "" {
			return fmt.Errorf("no secret: pass --secret or run 'souffleur start' once")
		}
		if cfg.Port == 0 {
			cfg.Port = config.DefaultPort
		}
		return nil
	}

	db, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	if cfg.Secret == "" {
		cfg.Secret, err = db.GetSetting(storage.SettingSecret)
		if errors.Is(err, storage.ErrSettingNotFound) {
			return fmt.Errorf("no secret: pass --secret or run 'souffleur start' once")
		}
		if err != nil {
			return err
		}
	}
	if cfg.Port == 0 {
		if cfg.Port, err = resolvePort(0, db); err != nil {
			return err
		}
	}
	return nil
}

// dialAndAuthenticate connects and completes the handshake, retrying with
// exponential backoff while the host is unreachable or busy. A rejected
// secret is not retried.
func dialAndAuthenticate(addr string, cfg *SendConfig, stderr io.Writer) (net.Conn, error) {
	var conn net.Conn
	operation := func() error {
		c, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			return err
		}
		reply, err := handshake(c, cfg.Secret, cfg.Timeout)
		if err != nil {
			c.Close()
			return err
		}
		switch reply {
		case protocol.ReplyOK:
			conn = c
			return nil
		case protocol.ReplyBusy:
			c.Close()
			return apperrors.SessionBusy(addr)
		default:
			c.Close()
			return backoff.Permanent(apperrors.AuthRejected(addr))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sendInitialInterval
	notify := func(err error, wait time.Duration) {
		fmt.Fprintf(stderr, "Connect to %s failed: %v; retrying in %v\n", addr, err, wait.Round(time.Millisecond))
	}
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cfg.Retries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(cfg.Retries))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake sends the secret and reads the reply under timeout.
func handshake(conn net.Conn, secret string, timeout time.Duration) (protocol.Reply, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := protocol.WriteToken(conn, secret); err != nil {
		return "", err
	}
	return protocol.NewReader(conn).ReadReply()
}
