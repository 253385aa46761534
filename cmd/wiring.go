package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinkerbelle-io/tb-harden/internal/config"
	"github.com/tinkerbelle-io/tb-harden/internal/node"
	"github.com/tinkerbelle-io/tb-harden/internal/remediation"
	"github.com/tinkerbelle-io/tb-harden/internal/rules"
	"github.com/tinkerbelle-io/tb-harden/internal/signing"
)

// Exit codes.
const (
	exitFailures = 1
	exitBrake    = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailures
}

// hostTools are the node collaborators every command shares.
type hostTools struct {
	runner  node.Runner
	cri     *node.CRI
	systemd *node.Systemd
	procs   *node.Processes
}

func newHostTools(runner node.Runner, cfg *config.Config) hostTools {
	return hostTools{
		runner:  runner,
		cri:     node.NewCRI(runner, cfg.RuntimeEndpoint),
		systemd: node.NewSystemd(runner),
		procs:   node.NewProcesses(runner),
	}
}

func localRunner(cfg *config.Config) node.LocalRunner {
	return node.LocalRunner{Nsenter: cfg.Nsenter, Timeout: max(cfg.ProbeTimeout, node.DefaultTimeout)}
}

// loadActions checks the catalog signature when a public key is configured
// and builds the selected actions.
func loadActions(cfg *config.Config, ids []string) (*rules.Catalog, []remediation.Action, error) {
	if err := verifyCatalog(cfg); err != nil {
		return nil, nil, err
	}
	catalog, err := rules.Load(cfg.Catalog, cfg.ProbeDir)
	if err != nil {
		return nil, nil, err
	}
	actions, err := catalog.Actions(ids)
	if err != nil {
		return nil, nil, err
	}
	return catalog, actions, nil
}

func verifyCatalog(cfg *config.Config) error {
	if cfg.PublicKey == "" {
		slog.Warn("catalog signature not checked: no public key configured", "catalog", cfg.Catalog)
		return nil
	}
	pub, err := signing.LoadPublicKey(cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}
	if err := signing.NewVerifier(pub, cfg.SignatureMaxAge).VerifyFile(cfg.Catalog); err != nil {
		return fmt.Errorf("refusing to run: %w", err)
	}
	slog.Info("catalog signature verified", "catalog", cfg.Catalog)
	return nil
}
