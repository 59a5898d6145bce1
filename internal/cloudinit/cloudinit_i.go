// Package cloudinit renders the #cloud-config user data handed to new VMs.
package cloudinit

import (
	"errors"
	"fmt"
	"strings"

	"mcctl/internal/cost"

	"gopkg.in/yaml.v3"
)

const header = "#cloud-config\n"

type Params struct {
	Region        cost.Region
	WebhookURL    string
	WebhookSecret string
	RCONPassword  string
	RCONPort      int
	GameVersion   string
	MaxPlayers    int
}

type writeFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions,omitempty"`
	Owner       string `yaml:"owner,omitempty"`
	Content     string `yaml:"content"`
}

type cloudConfig struct {
	PackageUpdate bool        `yaml:"package_update"`
	Packages      []string    `yaml:"packages"`
	WriteFiles    []writeFile `yaml:"write_files"`
	RunCmd        []string    `yaml:"runcmd"`
	FinalMessage  string      `yaml:"final_message"`
}

func (p Params) validate() error {
	switch {
	case !p.Region.Valid():
		return fmt.Errorf("unknown region %q", p.Region)
	case p.WebhookURL == "":
		return errors.New("webhook url is required")
	case p.WebhookSecret == "":
		return errors.New("webhook secret is required")
	case p.RCONPassword == "":
		return errors.New("rcon password is required")
	case p.RCONPort <= 0:
		return errors.New("rcon port is required")
	}
	return nil
}

// Generate renders the bootstrap document. Secrets are embedded in files
// with 0600 permissions; the ready callback reads them from the env file.
func Generate(p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	if p.MaxPlayers <= 0 {
		p.MaxPlayers = 20
	}

	env := strings.Join([]string{
		"WEBHOOK_URL=" + p.WebhookURL,
		"WEBHOOK_SECRET=" + p.WebhookSecret,
		"REGION=" + string(p.Region),
		"RCON_PORT=" + fmt.Sprint(p.RCONPort),
		"RCON_PASSWORD=" + p.RCONPassword,
		"GAME_VERSION=" + p.GameVersion,
		"",
	}, "\n")

	props := strings.Join([]string{
		"enable-rcon=true",
		"rcon.port=" + fmt.Sprint(p.RCONPort),
		"rcon.password=" + p.RCONPassword,
		"max-players=" + fmt.Sprint(p.MaxPlayers),
		"white-list=true",
		"enforce-whitelist=true",
		"",
	}, "\n")

	unit := strings.Join([]string{
		"[Unit]",
		"Description=Minecraft Server",
		"After=network.target",
		"",
		"[Service]",
		"User=minecraft",
		"WorkingDirectory=/opt/minecraft",
		"EnvironmentFile=/opt/minecraft/.env",
		"ExecStart=/opt/minecraft/start.sh",
		"ExecStop=/opt/minecraft/stop.sh",
		"Restart=on-failure",
		"RestartSec=5",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	}, "\n")

	ready := strings.Join([]string{
		". /opt/minecraft/.env",
		"VPS_IP=$(curl -s http://169.254.169.254/hetzner/v1/metadata/public-ipv4)",
		"INSTANCE_ID=$(curl -s http://169.254.169.254/hetzner/v1/metadata/instance-id)",
		`curl -fsS -X POST "$WEBHOOK_URL/ready" -H "Authorization: Bearer $WEBHOOK_SECRET" -H "Content-Type: application/json" ` +
			`-d "{\"serverId\": \"$INSTANCE_ID\", \"ip\": \"$VPS_IP\", \"region\": \"$REGION\"}"`,
		"",
	}, "\n")

	doc := cloudConfig{
		PackageUpdate: true,
		Packages:      []string{"openjdk-17-jdk-headless", "jq", "curl", "unzip"},
		WriteFiles: []writeFile{
			{Path: "/opt/minecraft/.env", Permissions: "0600", Content: env},
			{Path: "/opt/minecraft/server.properties", Permissions: "0600", Content: props},
			{Path: "/etc/systemd/system/minecraft.service", Content: unit},
			{Path: "/opt/minecraft/notify-ready.sh", Permissions: "0700", Content: ready},
		},
		RunCmd: []string{
			"useradd -m -s /bin/bash minecraft || true",
			"mkdir -p /opt/minecraft/logs /opt/minecraft/world",
			"chown -R minecraft:minecraft /opt/minecraft",
			"systemctl daemon-reload",
			"systemctl enable --now minecraft",
			"/opt/minecraft/notify-ready.sh",
		},
		FinalMessage: "mcctl server setup complete after $UPTIME seconds",
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal cloud-config: %w", err)
	}
	return header + string(out), nil
}
