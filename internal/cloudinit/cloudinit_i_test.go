package cloudinit

import (
	"strings"
	"testing"

	"mcctl/internal/cost"

	"gopkg.in/yaml.v3"
)

func validParams() Params {
	return Params{
		Region:        cost.RegionUS,
		WebhookURL:    "https://mc-control.example.net/api/mc/webhook",
		WebhookSecret: "it's-a-secret",
		RCONPassword:  "0123456789abcdef0123456789abcdef",
		RCONPort:      25575,
		GameVersion:   "1.20.1",
	}
}

func TestGenerateEmbedsSettings(t *testing.T) {
	out, err := Generate(validParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(out, "#cloud-config\n") {
		t.Fatalf("missing header: %q", out[:20])
	}

	var doc cloudConfig
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not valid yaml: %v", err)
	}
	var env, props string
	for _, f := range doc.WriteFiles {
		switch f.Path {
		case "/opt/minecraft/.env":
			env = f.Content
			if f.Permissions != "0600" {
				t.Fatalf("env file permissions: %s", f.Permissions)
			}
		case "/opt/minecraft/server.properties":
			props = f.Content
		}
	}
	for _, want := range []string{
		"WEBHOOK_URL=https://mc-control.example.net/api/mc/webhook",
		"WEBHOOK_SECRET=it's-a-secret",
		"REGION=us",
		"RCON_PORT=25575",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %q:\n%s", want, env)
		}
	}
	if !strings.Contains(props, "rcon.password=0123456789abcdef0123456789abcdef") || !strings.Contains(props, "max-players=20") {
		t.Fatalf("server.properties incomplete:\n%s", props)
	}
}

func TestGenerateRejectsMissingInputs(t *testing.T) {
	p := validParams()
	p.RCONPassword = ""
	if _, err := Generate(p); err == nil {
		t.Fatalf("expected error without rcon password")
	}
	p = validParams()
	p.Region = "ap"
	if _, err := Generate(p); err == nil {
		t.Fatalf("expected error for unknown region")
	}
}
