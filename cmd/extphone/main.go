// Command extphone is a terminal softphone for exercising the signaling
// server. It carries no media; offers and answers are placeholder SDP.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowpbx/pbxsignal/internal/client"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling server base URL")
	ext := flag.String("ext", "", "extension number to log in as")
	pin := flag.String("pin", "", "extension PIN (or set EXTPHONE_PIN)")
	token := flag.String("token", "", "use an existing token instead of logging in")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *pin == "" {
		*pin = os.Getenv("EXTPHONE_PIN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *token == "" {
		if *ext == "" || *pin == "" {
			fmt.Fprintln(os.Stderr, "error: -ext and -pin are required without -token")
			os.Exit(2)
		}
		t, err := login(ctx, *server, *ext, *pin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		*token = t
	}

	wsURL, err := websocketURL(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	out := bufio.NewWriter(os.Stdout)
	p := &phone{out: out}
	p.c = client.New(wsURL, *token, client.Options{OnNotice: p.notice, Logger: logger})

	runErr := make(chan error, 1)
	go func() { runErr <- p.c.Run(ctx) }()

	go p.repl(ctx, os.Stdin, stop)

	err = <-runErr
	p.flush()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// login exchanges the extension number and PIN for a token.
func login(ctx context.Context, server, ext, pin string) (string, error) {
	body, _ := json.Marshal(map[string]string{"extension": ext, "pin": pin})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&env); err != nil {
		return "", fmt.Errorf("decoding login response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected (status %d): %s", resp.StatusCode, env.Error)
	}
	return env.Data.Token, nil
}

// websocketURL maps the HTTP base URL to the signaling endpoint.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}
