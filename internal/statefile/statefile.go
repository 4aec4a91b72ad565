// Package statefile loads declarative jail state documents.
//
// A document lists properties for the defaults template and the jails to
// manage, in order. Documents may be stored as:
//
//   - age-encrypted files (.age), decrypted with the configured identity
//   - sops-encrypted files (.sops.yaml), decrypted by the sops binary
//   - plaintext YAML, when allowed
//
// Encrypted documents are decrypted in memory and never written back to disk.
package statefile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/jailkeeper/jailkeeper/internal/jail"
	"github.com/jailkeeper/jailkeeper/internal/props"
	"github.com/jailkeeper/jailkeeper/internal/state"
)

// Version is the current document format version.
const Version = 1

// Document is a decoded state file.
type Document struct {
	Version  int        `yaml:"version"`
	Defaults *props.Map `yaml:"defaults"`
	Jails    []Jail     `yaml:"jails"`
}

// Jail is one managed jail declaration.
type Jail struct {
	Name       string     `yaml:"name"`
	Type       string     `yaml:"type"`
	Template   string     `yaml:"template"`
	Release    string     `yaml:"release"`
	Clone      string     `yaml:"clone"`
	PkgList    string     `yaml:"pkglist"`
	Properties *props.Map `yaml:"properties"`
}

// Declarations converts the jail entries for state.Runner.Run.
func (d Document) Declarations() ([]state.Declaration, error) {
	out := make([]state.Declaration, 0, len(d.Jails))
	for _, j := range d.Jails {
		jailType, err := jail.ParseType(j.Type)
		if err != nil {
			return nil, fmt.Errorf("jail %s: %w", j.Name, err)
		}
		properties := j.Properties
		if properties == nil {
			properties = props.New()
		}
		out = append(out, state.Declaration{
			Name:       j.Name,
			Properties: properties,
			Options: state.ManagedOptions{
				Type:        jailType,
				TemplateID:  j.Template,
				Release:     j.Release,
				Clone:       j.Clone,
				PackageList: j.PkgList,
			},
		})
	}
	return out, nil
}

// Validate checks document structure: the version, jail names and types.
func (d Document) Validate() error {
	if d.Version != Version {
		return fmt.Errorf("unsupported state file version %d", d.Version)
	}
	seen := make(map[string]struct{}, len(d.Jails))
	for i, j := range d.Jails {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jails[%d]: name is required", i)
		}
		if jail.IsDefaults(name) {
			return fmt.Errorf("jails[%d]: %s is reserved; use the defaults section", i, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("jails[%d]: duplicate jail %s", i, name)
		}
		seen[name] = struct{}{}
		if _, err := jail.ParseType(j.Type); err != nil {
			return fmt.Errorf("jails[%d]: %w", i, err)
		}
	}
	return nil
}

// Store locates and decrypts state files.
type Store struct {
	Dir            string
	AgeKeyPath     string
	SopsPath       string
	AllowPlaintext bool
	SopsDecrypt    func(ctx context.Context, path string, env []string) ([]byte, error)
}

// Load locates, decrypts and parses a state file by name or path. A bare name
// is searched in Dir as <name>.age, <name>.sops.yaml, then <name>.yaml.
func (s Store) Load(ctx context.Context, name string) (Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Document{}, errors.New("state file name is required")
	}
	path, err := s.resolvePath(name)
	if err != nil {
		return Document{}, err
	}
	payload, err := s.decrypt(ctx, path)
	if err != nil {
		return Document{}, err
	}
	doc, err := Parse(payload)
	if err != nil {
		return Document{}, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a plaintext document. A missing version is
// treated as the current one.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	if doc.Version == 0 {
		doc.Version = Version
	}
	if doc.Defaults == nil {
		doc.Defaults = props.New()
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s Store) resolvePath(name string) (string, error) {
	var candidates []string
	if filepath.IsAbs(name) {
		candidates = append(candidates, name)
	} else {
		if s.Dir != "" {
			candidates = append(candidates, filepath.Join(s.Dir, name))
		}
		candidates = append(candidates, name)
	}
	if filepath.Ext(name) != "" {
		for _, candidate := range candidates {
			if fileExists(candidate) {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("state file %s not found", name)
	}
	for _, candidate := range candidates {
		if path, ok := findStateFile(candidate, s.AllowPlaintext); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("state file %s not found", name)
}

func (s Store) decrypt(ctx context.Context, path string) ([]byte, error) {
	lower := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(lower, ".age") {
		return decryptAge(path, s.AgeKeyPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	if looksLikeSops(lower, data) {
		if s.SopsDecrypt != nil {
			return s.SopsDecrypt(ctx, path, s.sopsEnv())
		}
		return decryptSops(ctx, s.sopsPath(), path, s.sopsEnv())
	}
	if s.AllowPlaintext {
		return data, nil
	}
	return nil, fmt.Errorf("state file %s is not encrypted (.age or sops)", path)
}

func (s Store) sopsPath() string {
	if strings.TrimSpace(s.SopsPath) != "" {
		return s.SopsPath
	}
	return "sops"
}

func (s Store) sopsEnv() []string {
	if strings.TrimSpace(s.AgeKeyPath) == "" {
		return nil
	}
	return []string{"SOPS_AGE_KEY_FILE=" + s.AgeKeyPath}
}

func findStateFile(base string, allowPlain bool) (string, bool) {
	candidates := []string{base + ".age", base + ".sops.yaml", base + ".sops.yml"}
	if allowPlain {
		candidates = append(candidates, base+".yaml", base+".yml")
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func looksLikeSops(name string, data []byte) bool {
	if strings.Contains(name, ".sops.") {
		return true
	}
	return bytes.Contains(data, []byte("\nsops:"))
}

func decryptAge(path, keyPath string) ([]byte, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required for .age state files")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", path, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt state file %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}

func decryptSops(ctx context.Context, sopsPath, filePath string, extraEnv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, sopsPath, "-d", filePath)
	cmd.Env = append(os.Environ(), extraEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("sops decrypt %s: %w: %s", filePath, err, msg)
		}
		return nil, fmt.Errorf("sops decrypt %s: %w", filePath, err)
	}
	return stdout.Bytes(), nil
}
