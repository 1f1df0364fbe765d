// realtime-client connects to a realtimed server as a Client Session and
// prints every event it receives.
// Usage: go run ./cmd/realtime-client --config configs/realtimed.example.yaml
//
// The session token comes from client.token. When it is empty a development
// token is signed locally with auth.signing_key_file for -user and -role.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/crm-realtime/internal/auth"
	"github.com/rickgao/crm-realtime/internal/config"
	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/realtimed.example.yaml", "path to config file")
	url := flag.String("url", "", "override client.url")
	userID := flag.String("user", "dev-user", "user id for a locally signed token")
	role := flag.String("role", string(model.RoleEmployee), "role for a locally signed token (ADMIN or EMPLOYEE)")
	ttl := flag.Duration("ttl", time.Hour, "lifetime of a locally signed token")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if err := cfg.ValidateClient(); err != nil {
		logger.Error("invalid client config", "error", err)
		os.Exit(1)
	}

	token := cfg.Client.Token
	if token == "" {
		token, err = devToken(cfg.Auth, *userID, *role, *ttl)
		if err != nil {
			logger.Error("failed to issue development token", "error", err)
			os.Exit(1)
		}
		logger.Info("using locally signed token", "user_id", *userID, "role", *role)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cfg.Client
	s := session.New(session.Config{
		URL:                    c.URL,
		Token:                  token,
		HeartbeatInterval:      c.HeartbeatInterval,
		ReconnectInterval:      c.ReconnectInterval,
		MaxReconnectAttempts:   c.MaxReconnectAttempts,
		MaxReconnectDelay:      c.MaxReconnectDelay,
		HandshakeTimeout:       c.HandshakeTimeout,
		WriteTimeout:           session.DefaultConfig().WriteTimeout,
		ResubscribeOnReconnect: c.ResubscribeOnReconnect,
	}, logger)

	s.OnAny(func(e event.Event) { printEvent(e, *verbose) })
	s.OnStatus(func(st session.Status) {
		logger.Info("session status",
			"state", st.State,
			"indicator", st.Indicator(),
			"attempts", st.Attempts,
			"last_error", st.LastError,
		)
		if st.State == session.StateFailed {
			stop()
		}
	})

	subscribe := func() {
		for _, topic := range c.Topics {
			if err := s.Subscribe(topic); err != nil {
				logger.Warn("subscribe failed", "topic", topic, "error", err)
			}
		}
	}
	// Without automatic resubscription every (re)connect starts with only the
	// implicit user and role rooms.
	if !c.ResubscribeOnReconnect {
		s.OnConnected(subscribe)
	}

	if err := s.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying", "url", c.URL, "error", err)
	} else if c.ResubscribeOnReconnect {
		subscribe()
	}

	logger.Info("listening for events - press Ctrl+C to stop", "url", c.URL)
	<-ctx.Done()

	failed := s.Status().State == session.StateFailed
	s.Disconnect()
	if failed {
		logger.Error("session ended", "error", s.Err())
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func devToken(cfg config.AuthConfig, userID, role string, ttl time.Duration) (string, error) {
	if cfg.SigningKeyFile == "" {
		return "", fmt.Errorf("client.token is empty and auth.signing_key_file is not set")
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return "", err
	}
	creds, err := auth.LoadCredentials(cfg.SigningKeyID, cfg.SigningKeyFile)
	if err != nil {
		return "", err
	}
	return creds.IssueToken(model.Identity{UserID: userID, Role: r}, ttl)
}

func printEvent(e event.Event, verbose bool) {
	ts := e.Timestamp.Format(time.TimeOnly)
	if verbose {
		frame, err := event.Encode(e)
		if err != nil {
			fmt.Printf("[%s] %s (unencodable: %v)\n", ts, e.Type, err)
			return
		}
		var out bytes.Buffer
		json.Indent(&out, frame, "", "  ")
		fmt.Printf("[%s] %s\n", ts, out.Bytes())
		return
	}
	fmt.Printf("[%s] %s %s\n", ts, e.Type, e.Data)
}
