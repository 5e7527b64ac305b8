// Package catalog pushes relocated file locations to the external metadata
// catalog.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// Reconciler updates the catalog's copy of a granule's file locations.
type Reconciler interface {
	ReconcileFiles(ctx context.Context, g cumulus.Granule, updated []cumulus.File) error
}

// Nop is used when no catalog is configured.
type Nop struct{}

func (Nop) ReconcileFiles(context.Context, cumulus.Granule, []cumulus.File) error { return nil }

type HTTPOptions struct {
	Endpoint     string
	Token        string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	HTTPClient   *http.Client
}

type HTTPReconciler struct {
	endpoint string
	token    string
	client   *retryablehttp.Client
}

func NewHTTPReconciler(opts HTTPOptions) *HTTPReconciler {
	client := retryablehttp.NewClient()
	client.Logger = nil
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	if opts.RetryMax > 0 {
		client.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	return &HTTPReconciler{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    opts.Token,
		client:   client,
	}
}

type reconcileRequest struct {
	GranuleID    string         `json:"granuleId"`
	CollectionID string         `json:"collectionId"`
	Published    bool           `json:"published"`
	Files        []cumulus.File `json:"files"`
}

func (r *HTTPReconciler) ReconcileFiles(ctx context.Context, g cumulus.Granule, updated []cumulus.File) error {
	body, err := json.Marshal(reconcileRequest{
		GranuleID:    g.GranuleID,
		CollectionID: g.CollectionID,
		Published:    g.Published,
		Files:        updated,
	})
	if err != nil {
		return err
	}
	target := r.endpoint + "/granules/" + url.PathEscape(g.GranuleID) + "/files"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reconcile catalog files for %s: %w", g.GranuleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reconcile catalog files for %s: status %d: %s", g.GranuleID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
