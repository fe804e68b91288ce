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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"

	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// PINEnv supplies the PIN for unattended use.
const PINEnv = "PAIRKEY_PIN"

var errPINRejected = errors.New("cli: PIN from " + PINEnv + " was rejected")

// terminalPrompter asks the user for PINs and confirmations on the
// terminal. It shows a spinner while waiting for a credential.
type terminalPrompter struct {
	mu        sync.Mutex
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
	quiet     bool
	spin      *spinner.Spinner
	readPIN   func(prompt string) ([]byte, error)
}

var _ orchestrator.Prompter = (*terminalPrompter)(nil)

func newTerminalPrompter(in io.Reader, out io.Writer, assumeYes bool) *terminalPrompter {
	p := &terminalPrompter{
		in:        bufio.NewReader(in),
		out:       out,
		assumeYes: assumeYes,
	}
	p.readPIN = p.readPINFromTerminal
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	}
	return p
}

func (p *terminalPrompter) ConfirmOverwrite(ctx context.Context, info securitykey.Info) (bool, error) {
	if p.assumeYes {
		return true, nil
	}
	p.stopSpinner()

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\n%s %s (%s) already holds data.\n", warnText("Warning:"), info.Label, highlight(info.ID.String()))
	fmt.Fprintln(p.out, "  Pairing will overwrite the key stored on it.")
	fmt.Fprint(p.out, "Do you want to continue? [y/N]: ")
	return p.readYes()
}

// confirm asks a yes/no question. assumeYes answers it without asking.
func (p *terminalPrompter) confirm(question string) (bool, error) {
	if p.assumeYes {
		return true, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	return p.readYes()
}

func (p *terminalPrompter) readYes() (bool, error) {
	response, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read response: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

// PIN returns nil without asking when the credential has no PIN. Empty
// input also yields a nil PIN; a credential that needs one rejects it.
func (p *terminalPrompter) PIN(ctx context.Context, req orchestrator.PINRequest) (*securitykey.PIN, error) {
	p.stopSpinner()
	if !req.Info.PINRequired {
		return nil, nil
	}

	if v, ok := os.LookupEnv(PINEnv); ok {
		// Retrying the same PIN only burns attempts.
		if req.Attempt > 1 {
			return nil, errPINRejected
		}
		if v == "" {
			return nil, nil
		}
		return securitykey.PINFromString(v)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prompt := fmt.Sprintf("PIN for %s: ", req.Info.Label)
	if req.Attempt > 1 {
		prompt = fmt.Sprintf("PIN for %s (attempt %d): ", req.Info.Label, req.Attempt)
	}
	if req.Info.PINRetries > 0 {
		fmt.Fprintf(p.out, "%s\n", muted(fmt.Sprintf("%d PIN attempts left", req.Info.PINRetries)))
	}
	b, err := p.readPIN(prompt)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	defer clear(b)
	return securitykey.NewPIN(b)
}

func (p *terminalPrompter) CredentialRequired(ctx context.Context, want securitykey.ID) {
	if p.quiet {
		return
	}
	msg := " Connect your security key..."
	if !want.IsZero() {
		msg = fmt.Sprintf(" Connect the paired security key %s...", want)
	}
	if p.spin == nil {
		fmt.Fprintln(p.out, strings.TrimSpace(msg))
		return
	}
	p.spin.Suffix = msg
	p.spin.Start()
}

func (p *terminalPrompter) stopSpinner() {
	if p.spin != nil && p.spin.Active() {
		p.spin.Stop()
	}
}

func (p *terminalPrompter) readPINFromTerminal(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("cannot read PIN: stdin is not a terminal (set %s)", PINEnv)
	}

	fmt.Fprint(p.out, prompt)
	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("failed to read PIN: %w", err)
	}
	return pin, nil
}
