package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/mdreactor/internal/reactor"
	"github.com/danmuck/mdreactor/internal/testutil/testlog"
	"github.com/danmuck/mdreactor/internal/transport"
)

func TestDefaultsMatchPackageDefaults(t *testing.T) {
	testlog.Start(t)
	rt := Defaults()
	def := reactor.DefaultConfig()
	if rt.Reactor.DispatchInterval != def.DispatchInterval || rt.Reactor.Tunnel.CloseTimeout != def.Tunnel.CloseTimeout {
		t.Fatalf("unexpected reactor defaults got=%+v", rt.Reactor)
	}
	if rt.Transport.Security.Mode != transport.SecurityModeDevelopment {
		t.Fatalf("expected development mode got=%q", rt.Transport.Security.Mode)
	}
	if rt.Admin.Addr != "127.0.0.1:7070" {
		t.Fatalf("unexpected admin addr got=%q", rt.Admin.Addr)
	}
}

func TestParseOverrides(t *testing.T) {
	testlog.Start(t)
	doc := `
[reactor]
dispatch_interval = "20ms"

[tunnel]
close_timeout = "3s"
gap_timeout = "250ms"
auto_ack_queue_data = false
max_outstanding = 32

[watchlist]
max_request_retries = 4

[transport]
address = " 10.0.0.1:14002 "

[transport.security]
mode = "Production"

[transport.security.tls]
enabled = true
mutual = true
`
	rt, err := Parse([]byte(doc), "inline")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rt.Reactor.DispatchInterval != 20*time.Millisecond {
		t.Fatalf("unexpected dispatch interval got=%v", rt.Reactor.DispatchInterval)
	}
	tc := rt.Reactor.Tunnel
	if tc.CloseTimeout != 3*time.Second || tc.Reliability.GapTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected tunnel timers got=%+v", tc)
	}
	if tc.AutoAckQueueData {
		t.Fatalf("expected explicit false to be kept")
	}
	if tc.Reliability.MaxOutstanding != 32 {
		t.Fatalf("unexpected max outstanding got=%d", tc.Reliability.MaxOutstanding)
	}
	if rt.Reactor.Watchlist.MaxRequestRetries != 4 || rt.Reactor.Watchlist.PoolSize != 1024 {
		t.Fatalf("unexpected watchlist config got=%+v", rt.Reactor.Watchlist)
	}
	if rt.Transport.Address != "10.0.0.1:14002" {
		t.Fatalf("expected trimmed address got=%q", rt.Transport.Address)
	}
	if rt.Transport.Security.Mode != transport.SecurityModeProduction || !rt.Transport.Security.TLS.Mutual {
		t.Fatalf("unexpected security got=%+v", rt.Transport.Security)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	_, err := Parse([]byte("[watchlist]\nrequest_timeout = \"soon\"\n"), "inline")
	if err == nil || !strings.Contains(err.Error(), "watchlist.request_timeout") {
		t.Fatalf("expected request_timeout error got=%v", err)
	}
	_, err = Parse([]byte("[tunnel]\nclose_timeout = \"-1s\"\n"), "inline")
	if err == nil || !strings.Contains(err.Error(), "must be positive") {
		t.Fatalf("expected positive duration error got=%v", err)
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"consumer", "provider"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", kind)
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
