package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "consumer":
		return consumerTemplate, nil
	case "provider":
		return providerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const consumerTemplate = `[reactor]
dispatch_interval = "50ms"
ping_interval = "20s"

[tunnel]
request_timeout = "15s"
close_timeout = "10s"
gap_timeout = "1s"

[watchlist]
request_timeout = "15s"
max_request_retries = 2

[transport]
address = "127.0.0.1:14002"
connect_timeout = "5s"
max_connect_attempts = 5

[transport.security]
mode = "development"

[admin]
addr = "127.0.0.1:7070"
cors_origins = ["http://localhost:3000"]
`

const providerTemplate = `[reactor]
dispatch_interval = "50ms"

[tunnel]
guaranteed_output_buffers = 100
auto_ack_queue_data = true

[transport]
address = ":14002"

[transport.security]
mode = "development"

[admin]
addr = "127.0.0.1:7071"
`
