// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeremyhahn/go-pairedkey/internal/config"
	"github.com/jeremyhahn/go-pairedkey/pkg/database"
	"github.com/jeremyhahn/go-pairedkey/pkg/keystore"
	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
	"github.com/jeremyhahn/go-pairedkey/pkg/pairing"
	"github.com/jeremyhahn/go-pairedkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-pairedkey/pkg/secret"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey/pkcs11"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey/software"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage/file"
	"github.com/jeremyhahn/go-pairedkey/pkg/storage/sqlite"
	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
)

// environment is everything a command needs to reach the paired
// credential and the protected database.
type environment struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    storage.Backend
	devices  storage.Backend
	driver   securitykey.Driver
	orch     *orchestrator.Orchestrator
	db       *database.Database
	prompter *terminalPrompter
}

// newEnvironment opens storage and the driver and starts the
// orchestrator. Callers must Close it.
func newEnvironment(ctx context.Context, cfg *config.Config, prompter *terminalPrompter) (_ *environment, err error) {
	logger := newLogger(cfg, os.Stderr)
	env := &environment{cfg: cfg, logger: logger, prompter: prompter}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	env.store, err = openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	env.driver, env.devices, err = openDriver(cfg.Driver, logger)
	if err != nil {
		return nil, err
	}

	rng, err := secret.ParseMode(cfg.Secret.RNG)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.Unlock.AttemptsPerMinute > 0,
		AttemptsPerMinute: cfg.Unlock.AttemptsPerMinute,
		Burst:             cfg.Unlock.PINAttempts,
	})
	env.orch, err = orchestrator.New(orchestrator.Config{
		Driver:      env.driver,
		Pairings:    keystore.NewPairingStore(env.store),
		Sessions:    keystore.NewSessionStore(env.store),
		Wrapper:     wrapping.New(wrapping.Config{SecretLength: cfg.Secret.Length, Logger: logger}),
		Prompter:    prompter,
		Logger:      logger,
		RNG:         rng,
		PINAttempts: cfg.Unlock.PINAttempts,
	}, orchestrator.WithLimiter(limiter), orchestrator.WithSelector(env.selectConnected))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	env.db = database.New(database.Config{Path: cfg.Database.Path, Logger: logger})

	if err := env.orch.Start(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

// withTimeout bounds an interactive operation by unlock.timeout.
func (e *environment) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Unlock.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Unlock.Timeout)
}

// selectConnected picks the first paired record whose credential is
// connected.
func (e *environment) selectConnected(ctx context.Context, records []*pairing.Record) (*pairing.Record, error) {
	for _, c := range e.orch.Present() {
		for _, r := range records {
			if r.CredentialID.Equal(c.ID()) {
				return r, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: none of them is connected", orchestrator.ErrMultiplePairings)
}

// credential waits for the paired credential, or any credential when
// nothing is paired.
func (e *environment) credential(ctx context.Context) (securitykey.Credential, error) {
	st, err := e.orch.Status()
	if err != nil {
		return nil, err
	}
	if len(st.Paired) == 0 {
		return e.orch.WaitForCredential(ctx, nil)
	}
	if len(st.Paired) > 1 {
		if rec, err := e.selectConnected(ctx, st.Paired); err == nil {
			return e.orch.WaitForCredential(ctx, rec.CredentialID)
		}
	}
	return e.orch.WaitForCredential(ctx, st.Paired[0].CredentialID)
}

func (e *environment) Close() error {
	var errs []error
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.orch != nil {
		errs = append(errs, e.orch.Close())
	} else if e.driver != nil {
		errs = append(errs, e.driver.Close())
	}
	if e.devices != nil {
		errs = append(errs, e.devices.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageFile:
		return file.New(cfg.Path)
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// openDriver returns the credential driver. For the software driver it
// also returns the backend holding the simulated key.
func openDriver(cfg config.DriverConfig, logger *logging.Logger) (securitykey.Driver, storage.Backend, error) {
	switch cfg.Type {
	case config.DriverSoftware:
		devices, err := file.New(cfg.Software.Path)
		if err != nil {
			return nil, nil, err
		}
		dev, err := loadSoftwareDevice(devices, cfg.Software)
		if err != nil {
			_ = devices.Close()
			return nil, nil, err
		}
		drv := software.NewDriver(logger)
		if err := drv.Insert(dev); err != nil {
			_ = devices.Close()
			return nil, nil, err
		}
		return drv, devices, nil
	case config.DriverPKCS11:
		drv, err := pkcs11.Open(pkcs11.Config{
			Library:      cfg.PKCS11.Library,
			KeyLabel:     cfg.PKCS11.KeyLabel,
			PollInterval: cfg.PKCS11.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return drv, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver: %s", cfg.Type)
	}
}

// loadSoftwareDevice opens the configured simulated key. Without a
// serial the first key found is reused, or a new one is created.
func loadSoftwareDevice(devices storage.Backend, cfg config.SoftwareDriverConfig) (*software.Device, error) {
	alg, err := parseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	devCfg := software.Config{
		Label:     cfg.Label,
		PIN:       cfg.PIN,
		Algorithm: alg,
		Store:     devices,
	}
	if cfg.Serial != "" {
		if devCfg.ID, err = securitykey.ParseID(cfg.Serial); err != nil {
			return nil, fmt.Errorf("invalid driver.software.serial: %w", err)
		}
		return software.NewDevice(devCfg)
	}

	keys, err := devices.List("devices/")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(k, "devices/"), ".json")
		if id, err := securitykey.ParseID(name); err == nil {
			devCfg.ID = id
			break
		}
	}
	return software.NewDevice(devCfg)
}

func parseAlgorithm(name string) (securitykey.Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "ecies-p256", "ecies":
		return securitykey.AlgorithmECIESP256, nil
	case "rsa-oaep", "rsa", "rsa-2048":
		return securitykey.AlgorithmRSAOAEP, nil
	default:
		return "", fmt.Errorf("unknown wrapping algorithm: %s (must be ecies-p256 or rsa-oaep)", name)
	}
}
