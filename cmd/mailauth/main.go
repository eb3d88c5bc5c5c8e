package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"zgo.at/mailauth"
	"zgo.at/mailauth/attempt"
	"zgo.at/mailauth/smtp"
)

const usage = `Manage a mailauth login gate.

Usage: mailauth [flags] command [command flags]

Flags:

    -config     Configuration file (JSON). Default: mailauth.json

    -debug      Print the full SMTP transaction to stderr and log at debug
                level. Passwords are never printed.

Commands:

    send        Send a message through the configured relay.

                  -to         Recipient; default is notify_to from the config.
                  -subject    Subject: header.
                  -body       Read message body from a file. The default is
                              to read from stdin.

    blocked     Show attempts and block status for a client.

                  -id         Client identifier, e.g. an IP address.

    unblock     Remove attempts and block for a client.

                  -id         Client identifier.
`

func main() {
	flag.Usage = func() { fmt.Print(usage) }

	var (
		cfgFile string
		debug   bool
	)
	flag.StringVar(&cfgFile, "config", "mailauth.json", "")
	flag.BoolVar(&debug, "debug", false, "")
	err := flag.CommandLine.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		fmt.Print(usage)
		return
	}

	cfg, err := mailauth.Load(cfgFile)
	if err != nil {
		fatal(err)
	}

	log := zap.NewNop()
	if debug {
		log, err = zap.NewDevelopment()
		if err != nil {
			fatal(err)
		}
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "send":
		err = send(ctx, cfg, log, debug, args)
	case "blocked":
		err = blocked(cfg, log, args)
	case "unblock":
		err = unblock(cfg, log, args)
	default:
		err = fmt.Errorf("unknown command: %q", cmd)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func send(ctx context.Context, cfg *mailauth.Config, log *zap.Logger, debug bool, args []string) error {
	var (
		f                  = flag.NewFlagSet("send", flag.ExitOnError)
		to, subject, bodyF string
	)
	f.StringVar(&to, "to", cfg.NotifyTo, "")
	f.StringVar(&subject, "subject", "", "")
	f.StringVar(&bodyF, "body", "", "")
	f.Parse(args)

	if to == "" {
		return fmt.Errorf("-to needs to be set")
	}
	if cfg.From == "" {
		return fmt.Errorf("from needs to be set in the config")
	}
	if cfg.Relay.Host == "" {
		return fmt.Errorf("relay.host needs to be set in the config")
	}

	var (
		body []byte
		err  error
	)
	if bodyF != "" {
		body, err = os.ReadFile(bodyF)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}

	opts := []smtp.Opt{
		smtp.WithTimeout(time.Duration(cfg.Timeout)),
		smtp.WithLocalName(cfg.LocalName),
	}
	if debug {
		opts = append(opts, smtp.WithDebug(os.Stderr))
	}
	m := mailauth.NewMailerSMTP(cfg.Relay, cfg.From, log, opts...)
	if !m.Send(ctx, to, subject, string(body)) {
		return fmt.Errorf("sending to %s failed", to)
	}
	return nil
}

func store(cfg *mailauth.Config, log *zap.Logger) (*attempt.Store, error) {
	if cfg.Attempts.File == "" {
		return nil, fmt.Errorf("attempts.file isn't set in the config")
	}
	opts := []attempt.Opt{
		attempt.WithThreshold(cfg.Attempts.Threshold),
		attempt.WithDuration(time.Duration(cfg.Attempts.BlockDuration)),
		attempt.WithLogger(log),
	}
	if cfg.Attempts.HashKeys {
		opts = append(opts, attempt.WithHashedKeys())
	}
	return attempt.New(attempt.FileBacking{Path: cfg.Attempts.File}, opts...), nil
}

func idFlag(name string, args []string) (string, error) {
	var (
		f  = flag.NewFlagSet(name, flag.ExitOnError)
		id string
	)
	f.StringVar(&id, "id", "", "")
	f.Parse(args)
	if id == "" {
		return "", fmt.Errorf("-id needs to be set")
	}
	return id, nil
}

func blocked(cfg *mailauth.Config, log *zap.Logger, args []string) error {
	id, err := idFlag("blocked", args)
	if err != nil {
		return err
	}
	s, err := store(cfg, log)
	if err != nil {
		return err
	}

	// CheckBlocked first, so that an expired block is removed.
	isBlocked, err := s.CheckBlocked(id)
	if err != nil {
		return err
	}
	a, b, err := s.Status(id)
	if err != nil {
		return err
	}

	fmt.Printf("client:    %s\n", id)
	fmt.Printf("attempts:  %d\n", a.Count)
	if a.Count > 0 {
		fmt.Printf("first:     %s\n", a.FirstSeen.Format(time.RFC3339))
		fmt.Printf("last:      %s\n", a.LastSeen.Format(time.RFC3339))
	}
	fmt.Printf("blocked:   %t\n", isBlocked)
	if b != nil {
		fmt.Printf("until:     %s\n", b.BlockedUntil.Format(time.RFC3339))
		fmt.Printf("reason:    %s\n", b.Reason)
	}
	return nil
}

func unblock(cfg *mailauth.Config, log *zap.Logger, args []string) error {
	id, err := idFlag("unblock", args)
	if err != nil {
		return err
	}
	s, err := store(cfg, log)
	if err != nil {
		return err
	}
	return s.Reset(id)
}
