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
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-pairedkey/internal/config"
	"github.com/jeremyhahn/go-pairedkey/pkg/metrics"
	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
	"github.com/jeremyhahn/go-pairedkey/pkg/tlsauth"
)

var tlsAuthCmd = &cobra.Command{
	Use:   "tls-auth <url>",
	Short: "Fetch a URL using the security key as TLS client certificate",
	Long: `Perform one HTTPS GET, authenticating with the certificate and private key
held by the paired security key. The server is verified against
tls.ca_file when set, or the system roots otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		roots, err := loadRootCAs(appConfig.TLS)
		if err != nil {
			return err
		}

		env, err := newEnvironment(cmd.Context(), appConfig, newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()

		start := time.Now()
		var resp *tlsauth.Response
		err = env.withPIN(ctx, func(cred securitykey.Credential, pin *securitykey.PIN) error {
			tlsConfig, err := tlsauth.ClientConfig(ctx, cred, pin, tlsauth.Options{
				RootCAs:    roots,
				ServerName: appConfig.TLS.ServerName,
			})
			if err != nil {
				return err
			}
			printVerbose(cmd, "requesting %s", url)
			resp, err = tlsauth.Get(ctx, url, tlsConfig)
			return err
		})
		recordOperation(env, metrics.OpTLSAuth, start, err)
		if err != nil {
			return err
		}
		return printerFor(cmd).PrintResponse(resp)
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <text>",
	Short: "Sign text with the security key",
	Long: `Sign the SHA-256 digest of the given text with the private key held by
the paired security key and print the signature hex encoded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnvironment(cmd.Context(), appConfig, newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()

		start := time.Now()
		var sig []byte
		err = env.withPIN(ctx, func(cred securitykey.Credential, pin *securitykey.PIN) error {
			s, err := tlsauth.SignChallenge(ctx, cred, pin, []byte(args[0]))
			sig = s
			return err
		})
		recordOperation(env, metrics.OpSign, start, err)
		if err != nil {
			return err
		}
		return printerFor(cmd).PrintSignature(hex.EncodeToString(sig))
	},
}

// withPIN waits for the credential, asks for its PIN and runs fn. The
// PIN is cleared when fn returns.
func (e *environment) withPIN(ctx context.Context, fn func(securitykey.Credential, *securitykey.PIN) error) error {
	cred, err := e.credential(ctx)
	if err != nil {
		return err
	}
	pin, err := e.prompter.PIN(ctx, orchestrator.PINRequest{Info: cred.Info(), Attempt: 1})
	if err != nil {
		return err
	}
	if pin != nil {
		defer pin.Clear()
	}
	return fn(cred, pin)
}

func recordOperation(env *environment, op string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		metrics.RecordError(op, securitykey.KindOf(err).String())
	}
	metrics.RecordOperation(op, env.driver.Name(), status, time.Since(start).Seconds())
}

func loadRootCAs(cfg config.TLSConfig) (*x509.CertPool, error) {
	if cfg.CAFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	return pool, nil
}
