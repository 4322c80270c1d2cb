package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter config in the given format.
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml", "":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("%w: template format %q", ErrUnsupportedFile, format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
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

const tomlTemplate = `name = "ipcjson"
listen_addr = "127.0.0.1:9470"
# tcp or websocket
transport = "tcp"
websocket_path = "/ipc"
allowed_origins = []
metrics_addr = ""
# bearer token required by /ipc and /connections when set
auth_token = ""
security_mode = "development"
request_timeout = "30s"
write_timeout = "15s"
connect_timeout = "5s"
handshake_timeout = "5s"
max_body_bytes = 16777216

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
insecure_skip_verify = false

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
max_attempts = 5

[log]
level = "info"
# one wire log file per connection when set
connection_dir = ""
`

const yamlTemplate = `name: ipcjson
listen_addr: 127.0.0.1:9470
# tcp or websocket
transport: tcp
websocket_path: /ipc
allowed_origins: []
metrics_addr: ""
# bearer token required by /ipc and /connections when set
auth_token: ""
security_mode: development
request_timeout: 30s
write_timeout: 15s
connect_timeout: 5s
handshake_timeout: 5s
max_body_bytes: 16777216
tls:
  enabled: false
  mutual: false
  cert_file: ""
  key_file: ""
  ca_file: ""
  server_name: ""
  insecure_skip_verify: false
backoff:
  initial_delay: 250ms
  multiplier: 2.0
  max_delay: 5s
  jitter: true
  max_attempts: 5
log:
  level: info
  # one wire log file per connection when set
  connection_dir: ""
`
