package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/mdreactor/internal/auth"
	"github.com/danmuck/mdreactor/internal/config"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/reactor"
	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/rs/zerolog/log"
)

// runProvider accepts channels and echoes every tunnel message back.
func runProvider(ctx context.Context, demo demoConfig, rt config.Runtime) error {
	var validator auth.Validator
	if demo.LoginToken != "" {
		validator = auth.StaticToken{Token: demo.LoginToken}
	}
	r := reactor.New(reactor.Options{
		Config: rt.Reactor,
		Callbacks: reactor.Callbacks{
			OnTunnelRequest: func(rc *reactor.ReactorChannel, req *protocol.Msg) {
				_, err := rc.AcceptTunnel(req, tunnel.AcceptOptions{COS: demo.classOfService(), Validator: validator})
				if err != nil {
					log.Warn().Err(err).Str("channel", rc.ID()).Msg("tunnel rejected")
				}
			},
			OnTunnelMsg: func(rc *reactor.ReactorChannel, s *tunnel.Stream, msg tunnel.Message) {
				if err := s.Submit(msg.Payload, msg.ContainerType, time.Now()); err != nil {
					log.Warn().Err(err).Str("tunnel", s.ID()).Msg("echo failed")
				}
			},
			OnTunnelStatus: func(rc *reactor.ReactorChannel, s *tunnel.Stream, ev tunnel.StatusEvent) {
				log.Info().Str("channel", rc.ID()).Int32("stream_id", s.StreamID()).Str("phase", ev.Phase.String()).AnErr("err", ev.Err).Msg("tunnel status")
			},
		},
	})

	ln, err := transport.Listen(rt.Transport)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			ch, err := ln.Accept(ctx)
			if err != nil {
				if !errors.Is(err, transport.ErrClosed) {
					log.Warn().Err(err).Msg("accept failed")
				}
				return
			}
			if err := r.AddChannel(ch, reactor.ChannelOptions{}); err != nil {
				_ = ch.Close()
				return
			}
		}
	}()

	serveAdmin(ctx, r, rt)
	return r.Run(ctx)
}

// runConsumer opens one tunnel, sends the configured messages, waits for
// their echoes and closes.
func runConsumer(ctx context.Context, demo demoConfig, rt config.Runtime) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		stream   *tunnel.Stream
		sent     int
		received int
		ticker   *time.Ticker
	)
	var login *auth.Login
	if demo.LoginToken != "" {
		login = &auth.Login{UserName: demo.UserName, Token: demo.LoginToken, ApplicationID: "tunnelctl"}
	}

	var r *reactor.Reactor
	r = reactor.New(reactor.Options{
		Config: rt.Reactor,
		Callbacks: reactor.Callbacks{
			OnChannelEvent: func(rc *reactor.ReactorChannel, ev reactor.ChannelEvent) {
				switch ev.Kind {
				case reactor.ChannelReady:
					s, err := rc.OpenTunnel(tunnel.OpenOptions{
						Domain:    protocol.DomainSystem,
						ServiceID: 1,
						Name:      demo.Name,
						COS:       demo.classOfService(),
						Login:     login,
					})
					if err != nil {
						cancel(err)
						return
					}
					stream = s
				case reactor.ChannelDown:
					cancel(fmt.Errorf("channel down: %w", ev.Err))
				}
			},
			OnTunnelStatus: func(rc *reactor.ReactorChannel, s *tunnel.Stream, ev tunnel.StatusEvent) {
				log.Info().Int32("stream_id", s.StreamID()).Str("phase", ev.Phase.String()).AnErr("err", ev.Err).Msg("tunnel status")
				switch ev.Phase {
				case tunnel.PhaseOpen:
					ticker = time.NewTicker(demo.Interval)
					go pace(ctx, r, ticker, func() bool {
						if sent >= demo.Messages || s.Phase() != tunnel.PhaseOpen {
							return false
						}
						sent++
						payload := fmt.Sprintf("%s-%d", demo.Payload, sent)
						if err := s.Submit([]byte(payload), protocol.ContainerOpaque, time.Now()); err != nil {
							log.Warn().Err(err).Msg("submit failed")
						}
						return true
					})
				case tunnel.PhaseClosed:
					if ev.Fatal {
						cancel(ev.Err)
						return
					}
					cancel(nil)
				}
			},
			OnTunnelMsg: func(rc *reactor.ReactorChannel, s *tunnel.Stream, msg tunnel.Message) {
				received++
				log.Info().Str("payload", string(msg.Payload)).Int("received", received).Msg("echo")
				if received >= demo.Messages {
					if err := rc.CloseTunnel(s.StreamID()); err != nil {
						cancel(err)
					}
				}
			},
			OnWorkerEvent: func(ev reactor.WorkerEvent) {
				if ev.Err != nil {
					cancel(ev.Err)
				}
			},
		},
	})
	if err := r.Connect(reactor.ConnectOptions{Transport: rt.Transport}); err != nil {
		return err
	}
	serveAdmin(ctx, r, rt)

	err := r.Run(ctx)
	if ticker != nil {
		ticker.Stop()
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if demo.Messages == 0 && stream != nil {
		log.Info().Int32("stream_id", stream.StreamID()).Msg("tunnel opened without traffic")
	}
	return ignoreCanceled(err)
}

// pace runs step on the dispatch goroutine on every tick until it reports
// false.
func pace(ctx context.Context, r *reactor.Reactor, ticker *time.Ticker, step func() bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		more := true
		if err := r.Call(ctx, func() error { more = step(); return nil }); err != nil || !more {
			return
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
