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

package orchestrator

import (
	"context"

	"github.com/jeremyhahn/go-pairedkey/pkg/health"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

// CredentialCheck is healthy while a paired credential is connected and
// degraded otherwise.
func (o *Orchestrator) CredentialCheck() health.CheckFunc {
	return func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Name: health.CheckCredential}
		empty, err := o.pairings.IsEmpty()
		if err != nil {
			res.Status = health.StatusUnhealthy
			res.Error = err.Error()
			return res
		}
		if empty {
			res.Status = health.StatusDegraded
			res.Message = "no credential paired"
			return res
		}
		connected, err := o.ConnectedPaired()
		if err != nil {
			res.Status = health.StatusUnhealthy
			res.Error = err.Error()
			return res
		}
		if len(connected) > 0 {
			res.Status = health.StatusHealthy
			res.Message = "paired credential connected"
			return res
		}
		res.Status = health.StatusDegraded
		res.Message = "paired credential not connected"
		return res
	}
}

// ConnectedPaired returns the IDs of paired credentials that are
// connected right now.
func (o *Orchestrator) ConnectedPaired() ([]securitykey.ID, error) {
	records, err := o.pairings.ListAll()
	if err != nil {
		return nil, err
	}
	var ids []securitykey.ID
	for _, c := range o.Present() {
		for _, r := range records {
			if r.CredentialID.Equal(c.ID()) {
				ids = append(ids, r.CredentialID)
			}
		}
	}
	return ids, nil
}

// ResourceCheck reports whether the protected resource is unlocked.
func ResourceCheck(unlocked func() bool) health.CheckFunc {
	return func(ctx context.Context) health.CheckResult {
		if unlocked() {
			return health.CheckResult{Name: health.CheckResource, Status: health.StatusHealthy, Message: "unlocked"}
		}
		return health.CheckResult{Name: health.CheckResource, Status: health.StatusDegraded, Message: "locked"}
	}
}
