// File: internal/keys/handlers.go
package keys

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
)

// handler is the per-type rotation mechanism. generate writes replacement
// material to side files without touching the live key; commit swaps the
// material in and re-points whatever depends on it; discard removes the side
// files after an aborted rotation.
type handler interface {
	// materialPaths lists the live files holding the key material, in
	// backup order.
	materialPaths() []string
	generate(ctx context.Context) error
	commit(ctx context.Context) error
	discard(ctx context.Context)
}

func newHandler(t Type, cfg config.KeysConfig, runner cmdport.Runner, host string) (handler, error) {
	switch t {
	case TypeSSH:
		return &sshHandler{runner: runner, paths: cfg.SSH.Paths}, nil
	case TypeTLS:
		return &tlsHandler{runner: runner, paths: cfg.TLS.Paths, host: host}, nil
	case TypeLUKS:
		return &luksHandler{runner: runner, keyfile: cfg.LUKS.Paths[0]}, nil
	case TypeSecureBoot:
		return &secureBootHandler{runner: runner, dir: cfg.SecureBoot.Paths[0]}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
}

// sshHandler regenerates every configured host key and bounces sshd.
type sshHandler struct {
	runner cmdport.Runner
	paths  []string
}

func sshAlgorithm(p string) string {
	switch {
	case strings.Contains(p, "ed25519"):
		return "ed25519"
	case strings.Contains(p, "ecdsa"):
		return "ecdsa"
	case strings.Contains(p, "rsa"):
		return "rsa"
	}
	return "ed25519"
}

func (h *sshHandler) materialPaths() []string {
	var out []string
	for _, p := range h.paths {
		out = append(out, p, p+".pub")
	}
	return out
}

func (h *sshHandler) generate(ctx context.Context) error {
	for _, p := range h.paths {
		if _, err := cmdport.Run(ctx, h.runner, "ssh-keygen", "-q", "-t", sshAlgorithm(p), "-N", "", "-f", p+".new"); err != nil {
			return fmt.Errorf("generating %s: %w", p, err)
		}
	}
	return nil
}

func (h *sshHandler) commit(ctx context.Context) error {
	for _, p := range h.paths {
		if _, err := cmdport.Run(ctx, h.runner, "mv", "-f", p+".new", p); err != nil {
			return fmt.Errorf("installing %s: %w", p, err)
		}
		if _, err := cmdport.Run(ctx, h.runner, "mv", "-f", p+".new.pub", p+".pub"); err != nil {
			return fmt.Errorf("installing %s.pub: %w", p, err)
		}
	}
	if _, err := cmdport.Run(ctx, h.runner, "systemctl", "restart", "sshd.service"); err != nil {
		return fmt.Errorf("restarting sshd: %w", err)
	}
	return nil
}

func (h *sshHandler) discard(ctx context.Context) {
	for _, p := range h.paths {
		_, _ = h.runner.Execute(ctx, "rm", "-f", p+".new", p+".new.pub")
	}
}

// tlsHandler issues a fresh self-signed pair and restarts the local
// consumers.
type tlsHandler struct {
	runner cmdport.Runner
	paths  []string
	host   string
}

func (h *tlsHandler) certPath() string {
	for _, p := range h.paths {
		if strings.HasSuffix(p, ".crt") || strings.HasSuffix(p, ".pem") {
			return p
		}
	}
	return h.paths[0]
}

func (h *tlsHandler) keyPath() string {
	for _, p := range h.paths {
		if strings.HasSuffix(p, ".key") {
			return p
		}
	}
	return h.paths[len(h.paths)-1]
}

func (h *tlsHandler) materialPaths() []string {
	return []string{h.certPath(), h.keyPath()}
}

func (h *tlsHandler) generate(ctx context.Context) error {
	_, err := cmdport.Run(ctx, h.runner, "openssl", "req", "-x509", "-newkey", "rsa:4096",
		"-sha256", "-days", "365", "-nodes",
		"-subj", "/CN="+h.host,
		"-keyout", h.keyPath()+".new", "-out", h.certPath()+".new")
	if err != nil {
		return fmt.Errorf("issuing certificate: %w", err)
	}
	return nil
}

func (h *tlsHandler) commit(ctx context.Context) error {
	for _, p := range h.materialPaths() {
		if _, err := cmdport.Run(ctx, h.runner, "mv", "-f", p+".new", p); err != nil {
			return fmt.Errorf("installing %s: %w", p, err)
		}
	}
	if _, err := cmdport.Run(ctx, h.runner, "systemctl", "try-restart", "warden-metrics.service"); err != nil {
		return fmt.Errorf("restarting tls consumers: %w", err)
	}
	return nil
}

func (h *tlsHandler) discard(ctx context.Context) {
	for _, p := range h.materialPaths() {
		_, _ = h.runner.Execute(ctx, "rm", "-f", p+".new")
	}
}

// luksHandler rotates the disk keyfile. The device slot is re-keyed while
// the old keyfile is still in place, then the new keyfile replaces it.
type luksHandler struct {
	runner  cmdport.Runner
	keyfile string
}

func (h *luksHandler) materialPaths() []string { return []string{h.keyfile} }

func (h *luksHandler) generate(ctx context.Context) error {
	if _, err := cmdport.Run(ctx, h.runner, "dd", "if=/dev/urandom", "of="+h.keyfile+".new", "bs=64", "count=1", "status=none"); err != nil {
		return fmt.Errorf("generating keyfile: %w", err)
	}
	if _, err := cmdport.Run(ctx, h.runner, "chmod", "0400", h.keyfile+".new"); err != nil {
		return fmt.Errorf("restricting keyfile: %w", err)
	}
	return nil
}

func (h *luksHandler) commit(ctx context.Context) error {
	devices, err := h.luksDevices(ctx)
	if err != nil {
		return fmt.Errorf("enumerating luks devices: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no luks devices found")
	}
	for _, dev := range devices {
		if _, err := cmdport.Run(ctx, h.runner, "cryptsetup", "luksChangeKey",
			"--key-file", h.keyfile, "/dev/"+dev, h.keyfile+".new"); err != nil {
			return fmt.Errorf("re-keying %s: %w", dev, err)
		}
	}
	if _, err := cmdport.Run(ctx, h.runner, "mv", "-f", h.keyfile+".new", h.keyfile); err != nil {
		return fmt.Errorf("installing keyfile: %w", err)
	}
	return nil
}

func (h *luksHandler) discard(ctx context.Context) {
	_, _ = h.runner.Execute(ctx, "rm", "-f", h.keyfile+".new")
}

func (h *luksHandler) luksDevices(ctx context.Context) ([]string, error) {
	res, err := cmdport.Run(ctx, h.runner, "lsblk", "-rno", "NAME,FSTYPE")
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "crypto_LUKS" {
			devices = append(devices, fields[0])
		}
	}
	return devices, nil
}

// secureBootHandler rotates the signing pair and re-signs the boot chain.
type secureBootHandler struct {
	runner cmdport.Runner
	dir    string
}

func (h *secureBootHandler) keyFile() string  { return path.Join(h.dir, "db.key") }
func (h *secureBootHandler) certFile() string { return path.Join(h.dir, "db.crt") }

func (h *secureBootHandler) materialPaths() []string {
	return []string{h.keyFile(), h.certFile()}
}

func (h *secureBootHandler) generate(ctx context.Context) error {
	_, err := cmdport.Run(ctx, h.runner, "openssl", "req", "-new", "-x509", "-newkey", "rsa:2048",
		"-sha256", "-days", "365", "-nodes",
		"-subj", "/CN=warden signature database",
		"-keyout", h.keyFile()+".new", "-out", h.certFile()+".new")
	if err != nil {
		return fmt.Errorf("generating signing pair: %w", err)
	}
	return nil
}

func (h *secureBootHandler) commit(ctx context.Context) error {
	for _, p := range h.materialPaths() {
		if _, err := cmdport.Run(ctx, h.runner, "mv", "-f", p+".new", p); err != nil {
			return fmt.Errorf("installing %s: %w", p, err)
		}
	}
	if _, err := cmdport.Run(ctx, h.runner, "sbctl", "sign-all"); err != nil {
		return fmt.Errorf("re-signing boot chain: %w", err)
	}
	return nil
}

func (h *secureBootHandler) discard(ctx context.Context) {
	for _, p := range h.materialPaths() {
		_, _ = h.runner.Execute(ctx, "rm", "-f", p+".new")
	}
}
