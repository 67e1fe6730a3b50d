package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nomo-app/backend/internal/config"
	"github.com/nomo-app/backend/internal/remote"
)

const usage = `usage: nomoctl [flags] <command> [args]

commands:
  status            show current progress
  session <min>     record a completed focus session
  grant <xp> [why]  grant XP directly
  travel <world>    switch the active world
  reset             reset all progress
  sync              pull the remote snapshot now
  token <user>      issue a remote API token (needs remote.jwt_secret)
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	baseURL := flag.String("url", "", "Base URL of the nomo server (default from config)")
	token := flag.String("token", "", "Auth token (default from config)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *baseURL == "" {
		*baseURL = "http://" + cfg.Addr()
	}
	if *token == "" {
		*token = cfg.Server.AuthToken
	}

	c := newAPIClient(*baseURL, *token)
	if err := run(os.Stdout, c, cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, c *apiClient, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n\n%s", usage)
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		s, err := c.Progress()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, renderSnapshot(s))

	case "session":
		if len(rest) != 1 {
			return fmt.Errorf("usage: nomoctl session <minutes>")
		}
		minutes, err := strconv.ParseFloat(rest[0], 64)
		if err != nil || minutes < 0 {
			return fmt.Errorf("invalid minutes %q", rest[0])
		}
		res, err := c.Session(minutes)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, renderAward(res))

	case "grant":
		if len(rest) < 1 {
			return fmt.Errorf("usage: nomoctl grant <xp> [reason]")
		}
		amount, err := strconv.Atoi(rest[0])
		if err != nil || amount <= 0 {
			return fmt.Errorf("invalid xp %q", rest[0])
		}
		res, err := c.Grant(amount, strings.Join(rest[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, renderAward(res))

	case "travel":
		if len(rest) != 1 {
			return fmt.Errorf("usage: nomoctl travel <world>")
		}
		s, err := c.Travel(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, renderSnapshot(s))

	case "reset":
		s, err := c.Reset()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, renderSnapshot(s))

	case "sync":
		if err := c.Sync(); err != nil {
			return err
		}
		fmt.Fprintln(w, "Sync requested")

	case "token":
		if len(rest) != 1 {
			return fmt.Errorf("usage: nomoctl token <user>")
		}
		if cfg.Remote.JWTSecret == "" {
			return fmt.Errorf("remote.jwt_secret is not configured")
		}
		tok, err := remote.IssueToken([]byte(cfg.Remote.JWTSecret), rest[0], cfg.Remote.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, tok)

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	return nil
}
