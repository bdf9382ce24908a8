package reactor

import "errors"

var (
	ErrShutdown          = errors.New("reactor: shut down")
	ErrChannelNotFound   = errors.New("reactor: channel not found")
	ErrTunnelNotFound    = errors.New("reactor: tunnel stream not found")
	ErrChannelDown       = errors.New("reactor: channel down")
	ErrWorkerBusy        = errors.New("reactor: worker queue full")
	ErrProxyAuthRequired = errors.New("reactor: proxy authentication required")
	ErrTokenRequest      = errors.New("reactor: token request failed")
	ErrDiscovery         = errors.New("reactor: service discovery failed")
	ErrNoEndpoint        = errors.New("reactor: no endpoint discovered")
)
