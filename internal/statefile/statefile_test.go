package statefile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/jailkeeper/jailkeeper/internal/jail"
)

const sampleDocument = `version: 1
defaults:
  boot: "off"
  ip4: new
jails:
  - name: web1
    type: full
    release: 13.2-RELEASE
    pkglist: /usr/local/etc/pkgs.json
    properties:
      ip4_addr: "vnet0|10.0.0.5/24"
      boot: true
      state: up
  - name: web2
    template: base-tpl
`

func TestParseKeepsOrder(t *testing.T) {
	t.Parallel()
	doc, err := Parse([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := strings.Join(doc.Defaults.Keys(), ","); got != "boot,ip4" {
		t.Fatalf("defaults keys = %q", got)
	}
	if len(doc.Jails) != 2 {
		t.Fatalf("jails = %d, want 2", len(doc.Jails))
	}
	web1 := doc.Jails[0]
	if got := strings.Join(web1.Properties.Keys(), ","); got != "ip4_addr,boot,state" {
		t.Fatalf("web1 keys = %q", got)
	}
	if web1.Properties.Value("boot") != "true" {
		t.Fatalf("boot = %q", web1.Properties.Value("boot"))
	}

	decls, err := doc.Declarations()
	if err != nil {
		t.Fatalf("declarations: %v", err)
	}
	if decls[0].Options.Type != jail.TypeFull || decls[0].Options.PackageList != "/usr/local/etc/pkgs.json" {
		t.Fatalf("web1 options = %+v", decls[0].Options)
	}
	if decls[1].Options.Type != "" || decls[1].Options.TemplateID != "base-tpl" {
		t.Fatalf("web2 options = %+v", decls[1].Options)
	}
	if decls[1].Properties == nil || decls[1].Properties.Len() != 0 {
		t.Fatalf("web2 properties should be empty")
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"version":   "version: 2\n",
		"no name":   "jails:\n  - type: full\n",
		"duplicate": "jails:\n  - name: a\n  - name: a\n",
		"type":      "jails:\n  - name: a\n    type: thick\n",
		"defaults":  "jails:\n  - name: default\n",
		"nested":    "jails:\n  - name: a\n    properties:\n      ip4_addr: [a, b]\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadAge(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate age identity: %v", err)
	}
	var encrypted bytes.Buffer
	writer, err := age.Encrypt(&encrypted, identity.Recipient())
	if err != nil {
		t.Fatalf("age encrypt: %v", err)
	}
	if _, err := writer.Write([]byte(sampleDocument)); err != nil {
		t.Fatalf("write age payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close age writer: %v", err)
	}
	writeFile(t, filepath.Join(tmp, "site.age"), encrypted.Bytes())
	keyPath := filepath.Join(tmp, "age.key")
	writeFile(t, keyPath, []byte("# created: test\n"+identity.String()+"\n"))

	store := Store{Dir: tmp, AgeKeyPath: keyPath}
	doc, err := store.Load(context.Background(), "site")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Jails[0].Name != "web1" {
		t.Fatalf("first jail = %q", doc.Jails[0].Name)
	}

	if _, err := (Store{Dir: tmp}).Load(context.Background(), "site"); err == nil {
		t.Fatalf("expected error without age key")
	}
}

func TestLoadSops(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "site.sops.yaml"), []byte("jails: ENC[...]\nsops:\n  version: 3.9.0\n"))
	called := false
	store := Store{
		Dir:        tmp,
		AgeKeyPath: filepath.Join(tmp, "age.key"),
		SopsDecrypt: func(ctx context.Context, path string, env []string) ([]byte, error) {
			called = true
			if !strings.HasSuffix(path, "site.sops.yaml") {
				return nil, fmt.Errorf("unexpected path: %s", path)
			}
			if len(env) != 1 || !strings.HasPrefix(env[0], "SOPS_AGE_KEY_FILE=") {
				return nil, fmt.Errorf("unexpected env: %v", env)
			}
			return []byte(sampleDocument), nil
		},
	}
	doc, err := store.Load(context.Background(), "site")
	if err != nil {
		t.Fatalf("load sops: %v", err)
	}
	if !called {
		t.Fatalf("expected sops decrypt to be called")
	}
	if len(doc.Jails) != 2 {
		t.Fatalf("jails = %d", len(doc.Jails))
	}
}

func TestLoadPlaintext(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "site.yaml"), []byte(sampleDocument))

	if _, err := (Store{Dir: tmp}).Load(context.Background(), "site"); err == nil {
		t.Fatalf("expected not found without plaintext")
	}
	if _, err := (Store{Dir: tmp}).Load(context.Background(), "site.yaml"); err == nil || !strings.Contains(err.Error(), "not encrypted") {
		t.Fatalf("expected not encrypted error, got %v", err)
	}
	doc, err := Store{Dir: tmp, AllowPlaintext: true}.Load(context.Background(), "site")
	if err != nil {
		t.Fatalf("load plaintext: %v", err)
	}
	if doc.Defaults.Value("ip4") != "new" {
		t.Fatalf("ip4 = %q", doc.Defaults.Value("ip4"))
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
