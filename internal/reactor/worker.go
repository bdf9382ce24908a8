package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/mdreactor/internal/transport"
	"github.com/rs/zerolog/log"
)

type WorkerEventKind uint8

const (
	WorkerToken WorkerEventKind = iota + 1
	WorkerDiscovery
	WorkerConnect
)

func (k WorkerEventKind) String() string {
	switch k {
	case WorkerToken:
		return "token"
	case WorkerDiscovery:
		return "discovery"
	case WorkerConnect:
		return "connect"
	default:
		return fmt.Sprintf("worker(%d)", uint8(k))
	}
}

// WorkerEvent is the result of one piece of worker work, delivered on the
// dispatch goroutine.
type WorkerEvent struct {
	Kind      WorkerEventKind
	Token     TokenInfo
	Endpoints []Endpoint
	Err       error
	UserSpec  any
}

// ConnectOptions describe a channel the worker dials. With Discovery set
// the address comes from the first discovered endpoint.
type ConnectOptions struct {
	Transport transport.Config
	Rest      RestConnectOptions
	Token     *TokenRequest
	Discovery *DiscoveryRequest
	Channel   ChannelOptions
}

type job func(ctx context.Context)

// worker runs blocking jobs one at a time and posts their results.
type worker struct {
	jobs      chan job
	queue     *EventQueue
	token     TokenClient
	discovery ServiceDiscovery

	startOnce sync.Once
	wg        sync.WaitGroup
}

func newWorker(size int, q *EventQueue, token TokenClient, discovery ServiceDiscovery) *worker {
	if size <= 0 {
		size = 64
	}
	return &worker{jobs: make(chan job, size), queue: q, token: token, discovery: discovery}
}

func (w *worker) start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-w.jobs:
					j(ctx)
				}
			}
		}()
	})
}

func (w *worker) wait() { w.wg.Wait() }

func (w *worker) submit(j job) error {
	select {
	case w.jobs <- j:
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (w *worker) post(ev WorkerEvent) {
	if !w.queue.put(event{kind: eventWorker, work: ev}) {
		log.Debug().Str("kind", ev.Kind.String()).Msg("worker result dropped after shutdown")
	}
}

func (w *worker) requestToken(opts RestConnectOptions, req TokenRequest, userSpec any) error {
	if w.token == nil {
		return fmt.Errorf("%w: no token client", ErrTokenRequest)
	}
	return w.submit(func(ctx context.Context) {
		tok, err := w.token.RequestToken(ctx, opts, req)
		w.post(WorkerEvent{Kind: WorkerToken, Token: tok, Err: err, UserSpec: userSpec})
	})
}

func (w *worker) discover(opts RestConnectOptions, token TokenInfo, req DiscoveryRequest, userSpec any) error {
	if w.discovery == nil {
		return fmt.Errorf("%w: no discovery client", ErrDiscovery)
	}
	return w.submit(func(ctx context.Context) {
		eps, err := w.discovery.Discover(ctx, opts, token, req)
		w.post(WorkerEvent{Kind: WorkerDiscovery, Endpoints: eps, Err: err, UserSpec: userSpec})
	})
}

func (w *worker) connect(opts ConnectOptions) error {
	return w.submit(func(ctx context.Context) {
		ch, err := w.dial(ctx, opts)
		if err != nil {
			log.Warn().Err(err).Str("addr", opts.Transport.Address).Msg("reactor connect failed")
			w.post(WorkerEvent{Kind: WorkerConnect, Err: err, UserSpec: opts.Channel.UserSpec})
			return
		}
		if !w.queue.put(event{kind: eventChannelUp, channelID: ch.ID(), ch: ch, opts: opts.Channel}) {
			_ = ch.Close()
		}
	})
}

func (w *worker) dial(ctx context.Context, opts ConnectOptions) (transport.Channel, error) {
	cfg := opts.Transport
	var token TokenInfo
	if opts.Token != nil {
		if w.token == nil {
			return nil, fmt.Errorf("%w: no token client", ErrTokenRequest)
		}
		tok, err := w.token.RequestToken(ctx, opts.Rest, *opts.Token)
		if err != nil {
			return nil, err
		}
		token = tok
	}
	if opts.Discovery != nil {
		if w.discovery == nil {
			return nil, fmt.Errorf("%w: no discovery client", ErrDiscovery)
		}
		eps, err := w.discovery.Discover(ctx, opts.Rest, token, *opts.Discovery)
		if err != nil {
			return nil, err
		}
		if len(eps) == 0 {
			return nil, ErrNoEndpoint
		}
		cfg.Address = eps[0].Address()
	}
	ch, err := transport.Dial(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrShutdown
		}
		return nil, err
	}
	return ch, nil
}
