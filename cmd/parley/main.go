package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/config"
	"github.com/zhouzirui/parley/internal/logging"
	"github.com/zhouzirui/parley/internal/model/persona"
	"github.com/zhouzirui/parley/internal/relationship"
	chatService "github.com/zhouzirui/parley/internal/service/chat"
	"github.com/zhouzirui/parley/internal/session"
	"github.com/zhouzirui/parley/internal/tracing"
	"github.com/zhouzirui/parley/internal/transport"
)

func main() {
	var (
		personaFlag = flag.String("personas", "", "comma separated persona ids (default: all)")
		messageFlag = flag.String("message", "", "send one message, print the replies and exit")
		panelFlag   = flag.Bool("panel", false, "poll the relationship store and enable /panel")
		waitFlag    = flag.Duration("wait", 15*time.Second, "how long -message waits for replies")
		metricsFlag = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9090")
	)
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.Log)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, "parley-client")
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	personas, err := selectPersonas(persona.NewMemoryStore(persona.Seed()), *personaFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if err := run(ctx, cfg, personas, logger, options{
		message: *messageFlag,
		panel:   *panelFlag,
		wait:    *waitFlag,
		metrics: *metricsFlag,
	}); err != nil {
		logger.Error().Err(err).Msg("parley exited with error")
		os.Exit(1)
	}
}

type options struct {
	message string
	panel   bool
	wait    time.Duration
	metrics string // listen address; empty disables the endpoint
}

func selectPersonas(store persona.Store, raw string) ([]persona.Persona, error) {
	if strings.TrimSpace(raw) == "" {
		return store.List(), nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	found, missing := persona.Resolve(store, ids)
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown personas: %s", strings.Join(missing, ", "))
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no personas selected")
	}
	return found, nil
}

func run(ctx context.Context, cfg config.ClientConfig, personas []persona.Persona, logger zerolog.Logger, opts options) error {
	dialer, err := transport.NewWebsocketDialer(cfg.RelayURL, transport.DialOptions{
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
	})
	if err != nil {
		return err
	}

	if opts.metrics != "" {
		_, shutdown, err := serveMetrics(opts.metrics, logger)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	sess := session.New(personas)
	mgr := transport.NewManager(dialer, logger, transport.DefaultOptions())
	svc := chatService.NewService(sess, mgr, chatService.Options{
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})

	c := &client{
		out:    os.Stdout,
		svc:    svc,
		sess:   sess,
		logger: logger,
	}
	c.reconnect = func(ctx context.Context) error {
		return reconnectWithBackoff(ctx, svc, sess)
	}

	if opts.panel && cfg.StoreURL != "" {
		store := relationship.NewHTTPStore(cfg.StoreURL)
		c.panels = make(map[string]*relationship.Panel, len(personas))
		for _, p := range personas {
			panel := relationship.NewPanel(store, p.ID, cfg.UserID, relationship.PanelOptions{
				Interval: cfg.RefreshInterval,
				Logger:   logger,
			})
			panel.Start(ctx)
			defer panel.Stop()
			c.panels[p.ID] = panel
		}
	} else if opts.panel {
		logger.Warn().Msg("PARLEY_STORE_URL is not set, relationship panel disabled")
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.consume(ctx)
	}()

	if opts.message != "" {
		err := c.sendOnce(ctx, opts.message, opts.wait)
		svc.Close()
		<-done
		return err
	}

	fmt.Fprintf(c.out, "Talking to %s. Type /help for commands.\n", displayNames(personas))
	c.repl(ctx, bufio.NewScanner(os.Stdin))
	svc.Close()
	<-done
	return nil
}
