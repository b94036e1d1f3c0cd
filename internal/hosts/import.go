package hosts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	"gopkg.in/yaml.v3"
)

// Inventory is the result of importing hosts and keys from an external file.
type Inventory struct {
	Hosts    []HostConfig
	Keys     []Key
	Warnings []string
}

// ReadFileFunc loads a key file referenced by an inventory.
type ReadFileFunc func(path string) ([]byte, error)

type yamlInventory struct {
	Keys []struct {
		ID         string `yaml:"id"`
		Label      string `yaml:"label"`
		Path       string `yaml:"path"`
		PrivateKey string `yaml:"private_key"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"keys"`
	Hosts []HostConfig `yaml:"hosts"`
}

// LoadYAML parses an inventory of the form
//
//	keys:
//	  - id: deploy
//	    path: ~/.ssh/id_ed25519
//	hosts:
//	  - id: bastion
//	    hostname: bastion.example.com
//	    auth: key
//	    key: deploy
//	  - id: app
//	    hostname: 10.0.0.5
//	    auth: agent
//	    proxy_jump: [bastion]
func LoadYAML(r io.Reader, readFile ReadFileFunc) (*Inventory, error) {
	var doc yamlInventory
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}

	inv := &Inventory{}
	for _, k := range doc.Keys {
		if k.ID == "" {
			return nil, fmt.Errorf("inventory key without id")
		}
		material := []byte(k.PrivateKey)
		if k.Path != "" {
			data, err := readFile(expandHome(k.Path))
			if err != nil {
				return nil, fmt.Errorf("read key %q: %w", k.ID, err)
			}
			material = data
		}
		if len(material) == 0 {
			return nil, fmt.Errorf("key %q has neither path nor private_key", k.ID)
		}
		inv.Keys = append(inv.Keys, Key{ID: k.ID, Label: k.Label, PrivateKey: material, Passphrase: k.Passphrase})
	}

	seen := make(map[string]bool, len(doc.Hosts))
	for _, h := range doc.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("inventory host %q without id", h.Hostname)
		}
		if seen[h.ID] {
			return nil, fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
		if h.ConnectionType == "" {
			h.ConnectionType = TypeSSH
		}
		if h.AuthMethod == "" {
			h.AuthMethod = AuthAgent
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		inv.Hosts = append(inv.Hosts, h)
	}
	return inv, nil
}

// ImportSSHConfig converts concrete Host blocks of an OpenSSH client config
// into host definitions. Wildcard blocks contribute defaults to concrete
// aliases but are not imported themselves. IdentityFile becomes a key; hosts
// without one use agent auth. ProxyJump entries that name another alias
// reference it directly; other user@host:port entries become synthetic
// jump hosts.
func ImportSSHConfig(r io.Reader, readFile ReadFileFunc) (*Inventory, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode ssh config: %w", err)
	}

	var aliases []string
	known := make(map[string]bool)
	for _, host := range cfg.Hosts {
		for _, p := range host.Patterns {
			alias := p.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") || known[alias] {
				continue
			}
			known[alias] = true
			aliases = append(aliases, alias)
		}
	}

	inv := &Inventory{}
	keys := make(map[string]bool)
	synthetic := make(map[string]bool)

	for _, alias := range aliases {
		get := func(key string) string {
			v, _ := cfg.Get(alias, key)
			return strings.TrimSpace(v)
		}

		h := HostConfig{
			ID:             alias,
			Label:          alias,
			Hostname:       get("HostName"),
			Username:       get("User"),
			ConnectionType: TypeSSH,
			AuthMethod:     AuthAgent,
		}
		if h.Hostname == "" {
			h.Hostname = alias
		}
		if port := get("Port"); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return nil, fmt.Errorf("host %q: bad port %q", alias, port)
			}
			h.Port = n
		}

		if identity := get("IdentityFile"); identity != "" {
			path := expandHome(identity)
			keyID := "file:" + path
			if !keys[keyID] {
				data, err := readFile(path)
				if err != nil {
					inv.Warnings = append(inv.Warnings, fmt.Sprintf("host %s: cannot read %s, falling back to agent: %v", alias, path, err))
				} else {
					keys[keyID] = true
					inv.Keys = append(inv.Keys, Key{ID: keyID, Label: filepath.Base(path), PrivateKey: data})
				}
			}
			if keys[keyID] {
				h.AuthMethod = AuthKey
				h.KeyID = keyID
			}
		}

		if jump := get("ProxyJump"); jump != "" && !strings.EqualFold(jump, "none") {
			for _, entry := range strings.Split(jump, ",") {
				entry = strings.TrimSpace(entry)
				if entry == "" {
					continue
				}
				if known[entry] {
					h.ProxyJump = append(h.ProxyJump, entry)
					continue
				}
				j, err := parseJumpSpec(entry)
				if err != nil {
					return nil, fmt.Errorf("host %q: %w", alias, err)
				}
				if !synthetic[j.ID] {
					synthetic[j.ID] = true
					inv.Hosts = append(inv.Hosts, j)
				}
				h.ProxyJump = append(h.ProxyJump, j.ID)
			}
		}

		inv.Hosts = append(inv.Hosts, h)
	}
	return inv, nil
}

// parseJumpSpec parses a ProxyJump entry of the form [user@]host[:port].
func parseJumpSpec(spec string) (HostConfig, error) {
	h := HostConfig{
		ID:             "jump:" + spec,
		Label:          spec,
		ConnectionType: TypeSSH,
		AuthMethod:     AuthAgent,
	}
	rest := spec
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		h.Username = rest[:at]
		rest = rest[at+1:]
	}
	if colon := strings.LastIndex(rest, ":"); colon >= 0 && !strings.Contains(rest[colon+1:], "]") {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return HostConfig{}, fmt.Errorf("bad jump host %q", spec)
		}
		h.Port = port
		rest = rest[:colon]
	}
	h.Hostname = strings.Trim(rest, "[]")
	if h.Hostname == "" {
		return HostConfig{}, fmt.Errorf("bad jump host %q", spec)
	}
	return h, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
