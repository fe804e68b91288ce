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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/jeremyhahn/go-pairedkey/pkg/database"
	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
	"github.com/jeremyhahn/go-pairedkey/pkg/tlsauth"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

var (
	successMark = color.New(color.FgGreen).Sprint("✓")
	errorMark   = color.New(color.FgRed).Sprint("✗")
	warnText    = color.New(color.FgYellow).SprintFunc()
	highlight   = color.New(color.FgCyan).SprintFunc()
	muted       = color.New(color.Faint).SprintFunc()
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s %s\n", successMark, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "%s Error: %v\n", errorMark, err)
		return nil
	}
}

// PrintStatus prints pairing and presence state.
func (p *Printer) PrintStatus(st *orchestrator.Status, unlocked bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"paired":    st.Paired,
			"present":   st.Present,
			"in_flight": st.InFlight,
			"unlocked":  unlocked,
		})
	case OutputFormatText:
		if len(st.Paired) == 0 {
			fmt.Fprintf(p.writer, "Paired credentials: %s\n", warnText("none"))
		} else {
			fmt.Fprintln(p.writer, "Paired credentials:")
			for _, r := range st.Paired {
				fmt.Fprintf(p.writer, "  - %s %s %s\n", highlight(r.CredentialID.String()), r.Algorithm,
					muted(r.CreatedAt.Format(time.RFC3339)))
			}
		}
		if len(st.Present) == 0 {
			fmt.Fprintf(p.writer, "Connected credentials: %s\n", warnText("none"))
		} else {
			fmt.Fprintln(p.writer, "Connected credentials:")
			for _, info := range st.Present {
				fmt.Fprintf(p.writer, "  - %s %s\n", highlight(info.ID.String()), info.Label)
			}
		}
		fmt.Fprintf(p.writer, "Database unlocked: %t\n", unlocked)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintUsers prints the users table.
func (p *Printer) PrintUsers(users []database.User) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]map[string]any, len(users))
		for i, u := range users {
			list[i] = map[string]any{
				"uid":        u.UID,
				"first_name": u.FirstName,
				"last_name":  u.LastName,
				"created_at": u.CreatedAt,
			}
		}
		return p.printJSON(map[string]any{"users": list})
	case OutputFormatText:
		if len(users) == 0 {
			fmt.Fprintln(p.writer, "No users found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-10s %-20s %-20s\n", "UID", "FIRST NAME", "LAST NAME")
		fmt.Fprintln(p.writer, strings.Repeat("-", 52))
		for _, u := range users {
			fmt.Fprintf(p.writer, "%-10d %-20s %-20s\n", u.UID, u.FirstName, u.LastName)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignature prints a hex encoded signature
func (p *Printer) PrintSignature(signature string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"signature": signature,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, signature)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintResponse prints the result of an authenticated request.
func (p *Printer) PrintResponse(resp *tlsauth.Response) error {
	var subject string
	if len(resp.PeerCertificates) > 0 {
		subject = resp.PeerCertificates[0].Subject.String()
	}
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status_code": resp.StatusCode,
			"server":      subject,
			"body":        string(resp.Body),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Status: %d\n", resp.StatusCode)
		if subject != "" {
			fmt.Fprintf(p.writer, "Server: %s\n", subject)
		}
		fmt.Fprintln(p.writer)
		fmt.Fprintln(p.writer, string(resp.Body))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
