/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pandacall/pandacall-go/pandasdk"
)

// HistoryReporter posts completed-call records to the call-history store.
// Reporting is best-effort: the session controller logs a failure and moves
// on; a failed report is never retried later and never reverses teardown.
type HistoryReporter struct {
	core    *pandasdk.Client
	timeout time.Duration
}

// NewHistoryReporter creates a reporter over the core client
func NewHistoryReporter(core *pandasdk.Client) *HistoryReporter {
	return &HistoryReporter{
		core:    core,
		timeout: 10 * time.Second,
	}
}

// Report posts one call record to POST /api/calls. Non-2xx responses come
// back as the structured pandasdk error types.
func (r *HistoryReporter) Report(ctx context.Context, record CallRecord) error {
	if r == nil || r.core == nil {
		return fmt.Errorf("history reporter is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.core.RequestWithRetry(ctx, http.MethodPost, "calls", nil, record)
	if err != nil {
		return fmt.Errorf("failed to post call record: %w", err)
	}
	return pandasdk.ParseResponse(resp, nil)
}
