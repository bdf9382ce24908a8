package reactor

import (
	"context"
	"slices"
	"strings"

	"github.com/danmuck/mdreactor/internal/tunnel"
	"github.com/danmuck/mdreactor/internal/watchlist"
)

type TunnelInfo struct {
	StreamID    int32        `json:"stream_id"`
	Name        string       `json:"name"`
	Provider    bool         `json:"provider"`
	Phase       string       `json:"phase"`
	Buffered    int          `json:"buffered"`
	Outstanding int          `json:"outstanding"`
	Stats       tunnel.Stats `json:"stats"`
}

type ChannelInfo struct {
	ID               string          `json:"id"`
	Tunnels          []TunnelInfo    `json:"tunnels"`
	WatchlistStreams int             `json:"watchlist_streams"`
	Watchlist        watchlist.Stats `json:"watchlist"`
}

// Snapshot describes every channel, ordered by id.
func (r *Reactor) Snapshot(ctx context.Context) ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := r.Call(ctx, func() error {
		out = make([]ChannelInfo, 0, len(r.channels))
		for _, rc := range r.channels {
			out = append(out, rc.info())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (rc *ReactorChannel) info() ChannelInfo {
	ci := ChannelInfo{
		ID:               rc.id,
		Tunnels:          make([]TunnelInfo, 0, len(rc.tunnels)),
		WatchlistStreams: rc.wl.Streams(),
		Watchlist:        rc.wl.Stats(),
	}
	for id, e := range rc.tunnels {
		n, _ := e.stream.Outstanding()
		ci.Tunnels = append(ci.Tunnels, TunnelInfo{
			StreamID:    id,
			Name:        e.stream.Name(),
			Provider:    e.stream.Provider(),
			Phase:       e.stream.Phase().String(),
			Buffered:    e.stream.Buffered(),
			Outstanding: n,
			Stats:       e.stream.Stats(),
		})
	}
	slices.SortFunc(ci.Tunnels, func(a, b TunnelInfo) int { return int(a.StreamID) - int(b.StreamID) })
	return ci
}
