package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/mdreactor/internal/admin"
	"github.com/danmuck/mdreactor/internal/config"
	"github.com/danmuck/mdreactor/internal/observability"
	"github.com/danmuck/mdreactor/internal/reactor"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "tunnelctl config path (defaults built in)")
	roleFlag := flag.String("role", "", "override role: consumer|provider")
	addr := flag.String("address", "", "override transport address")
	flag.Parse()

	if err := run(*path, *roleFlag, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path, roleOverride, addrOverride string) error {
	observability.InitLogger("tunnelctl")
	observability.RegisterMetrics()

	demo := defaultDemoConfig()
	if path != "" {
		var err error
		if demo, err = loadDemoConfig(path); err != nil {
			return err
		}
	}
	if roleOverride != "" {
		demo.Role = role(strings.ToLower(strings.TrimSpace(roleOverride)))
	}
	if addrOverride != "" {
		demo.Address = addrOverride
	}
	if err := demo.validate(); err != nil {
		return err
	}

	rt := config.Defaults()
	if demo.RuntimePath != "" {
		var err error
		if rt, err = config.Load(demo.RuntimePath); err != nil {
			return err
		}
	}
	if demo.Address != "" {
		rt.Transport.Address = demo.Address
	}
	if demo.AdminAddr != "" {
		rt.Admin.Addr = demo.AdminAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch demo.Role {
	case roleProvider:
		err = runProvider(ctx, demo, rt)
	default:
		err = runConsumer(ctx, demo, rt)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveAdmin runs the admin server in the background for the life of ctx.
func serveAdmin(ctx context.Context, r *reactor.Reactor, rt config.Runtime) {
	srv := admin.New("tunnelctl", r, rt.Admin.CorsOrigins)
	go func() {
		if err := srv.ListenAndServe(ctx, rt.Admin.Addr); err != nil {
			log.Warn().Err(err).Str("addr", rt.Admin.Addr).Msg("admin server stopped")
		}
	}()
}
