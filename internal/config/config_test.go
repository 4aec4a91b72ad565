package config

import (
	"strings"
	"testing"
	"time"

	testutil "github.com/jailkeeper/jailkeeper/internal/testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := testutil.TempFile(t, "config.yaml", `iocage_path: /opt/bin/iocage
command_timeout: 90s
use_bash: true
history_enabled: false
allow_plaintext: false
state_dir: /srv/states
metrics_textfile: /var/tmp/node_exporter/jailkeeper.prom
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("config path = %q", cfg.ConfigPath)
	}
	if cfg.IocagePath != "/opt/bin/iocage" {
		t.Fatalf("iocage path = %q", cfg.IocagePath)
	}
	if cfg.CommandTimeout != 90*time.Second {
		t.Fatalf("command timeout = %s", cfg.CommandTimeout)
	}
	if !cfg.UseBash || cfg.HistoryEnabled || cfg.AllowPlaintext {
		t.Fatalf("booleans not applied: %+v", cfg)
	}
	if cfg.DBPath != DefaultConfig().DBPath {
		t.Fatalf("db path should keep default, got %q", cfg.DBPath)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"command_timeout":  "command_timeout: soon\n",
		"iocage_path":      "iocage_path: \" \"\n",
		"metrics_textfile": "metrics_textfile: /tmp/jailkeeper.txt\n",
		"sops_path":        "sops_path: \"sops -d\"\n",
		"parse config":     "iocage_path: [\n",
	}
	for want, body := range cases {
		path := testutil.TempFile(t, "config.yaml", body)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", strings.TrimSpace(body), want, err)
		}
	}
}

func TestValidateHistoryNeedsDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "db_path") {
		t.Fatalf("expected db_path error, got %v", err)
	}
	cfg.HistoryEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir() + "/missing.yaml"); err == nil {
		t.Fatalf("expected read error")
	}
}
