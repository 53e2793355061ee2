package bootstrap

import (
	"bytes"
	"strings"
	"text/template"
)

// Payload is the one-time setup data for a runner.
type Payload struct {
	RunnerID          string
	APIKey            string
	MaxConcurrentJobs int
	// AgentURL and ControlPlaneURL default to the Bootstrapper config.
	AgentURL        string
	ControlPlaneURL string
}

var setupScript = template.Must(template.New("setup").Funcs(template.FuncMap{
	"q": shellQuote,
}).Parse(`#!/bin/sh
set -eu

install -d -m 0755 /opt/agentfleet
install -d -m 0700 /etc/agentfleet

if command -v curl >/dev/null 2>&1; then
	curl -fsSL --retry 3 -o /opt/agentfleet/agent.tmp {{ q .AgentURL }}
else
	wget -q -O /opt/agentfleet/agent.tmp {{ q .AgentURL }}
fi
chmod 0755 /opt/agentfleet/agent.tmp
mv /opt/agentfleet/agent.tmp /opt/agentfleet/agent

umask 077
cat > /etc/agentfleet/agent.env <<'AGENTFLEET_ENV'
AGENTFLEET_RUNNER_ID={{ .RunnerID }}
AGENTFLEET_API_KEY={{ .APIKey }}
AGENTFLEET_CONTROL_PLANE_URL={{ .ControlPlaneURL }}
AGENTFLEET_MAX_CONCURRENT_JOBS={{ .MaxConcurrentJobs }}
AGENTFLEET_ENV

if command -v systemctl >/dev/null 2>&1 && [ -d /run/systemd/system ]; then
	cat > /etc/systemd/system/agentfleet-agent.service <<'AGENTFLEET_UNIT'
[Unit]
Description=agentfleet agent
After=network-online.target
Wants=network-online.target

[Service]
EnvironmentFile=/etc/agentfleet/agent.env
ExecStart=/opt/agentfleet/agent
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
AGENTFLEET_UNIT
	systemctl daemon-reload
	systemctl enable --now agentfleet-agent.service
	systemctl restart agentfleet-agent.service
else
	pkill -f /opt/agentfleet/agent || true
	( set -a; . /etc/agentfleet/agent.env; set +a; nohup /opt/agentfleet/agent >/var/log/agentfleet-agent.log 2>&1 & )
fi

echo "agentfleet agent installed for runner {{ .RunnerID }}"
`))

// Render returns the setup script for p.
func Render(p Payload) (string, error) {
	var buf bytes.Buffer
	if err := setupScript.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
