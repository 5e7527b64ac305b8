package httpapi

import (
	"context"
	"net/http"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
)

// resourceRoutes binds one record kind to its coordinator operations. Keys
// are the path segments after the resource name.
type resourceRoutes[T any] struct {
	keyLen int
	create func(ctx context.Context, doc T) (dualwrite.WriteResult[T], error)
	update func(ctx context.Context, key []string, patch T) (dualwrite.WriteResult[T], error)
	remove func(ctx context.Context, key []string) (dualwrite.WriteResult[T], error)
	get    func(ctx context.Context, key []string) (T, error)
}

type writeResponse struct {
	Record       any    `json:"record"`
	Outcome      string `json:"outcome,omitempty"`
	Reason       string `json:"reason,omitempty"`
	DocumentOnly bool   `json:"documentOnly,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
	MirrorError  string `json:"mirrorError,omitempty"`
}

func toWriteResponse[T any](res dualwrite.WriteResult[T]) writeResponse {
	out := writeResponse{
		Record:       res.Record,
		Reason:       res.Reason,
		DocumentOnly: res.DocumentOnly,
		Degraded:     res.Degraded,
	}
	if res.Outcome != 0 {
		out.Outcome = res.Outcome.String()
	}
	if res.MirrorErr != nil {
		out.MirrorError = res.MirrorErr.Error()
	}
	return out
}

func serveResource[T any](c call, key []string, rt resourceRoutes[T]) {
	switch {
	case len(key) == 0 && c.r.Method == http.MethodPost:
		var doc T
		if !c.s.decodeJSONBody(c.w, c.r, c.correlationID, &doc) {
			return
		}
		res, err := rt.create(c.ctx(), doc)
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusCreated, toWriteResponse(res))
	case len(key) == rt.keyLen && c.r.Method == http.MethodGet:
		doc, err := rt.get(c.ctx(), key)
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusOK, doc)
	case len(key) == rt.keyLen && (c.r.Method == http.MethodPatch || c.r.Method == http.MethodPut):
		var patch T
		if !c.s.decodeJSONBody(c.w, c.r, c.correlationID, &patch) {
			return
		}
		res, err := rt.update(c.ctx(), key, patch)
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusOK, toWriteResponse(res))
	case len(key) == rt.keyLen && c.r.Method == http.MethodDelete:
		res, err := rt.remove(c.ctx(), key)
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusOK, toWriteResponse(res))
	default:
		writeError(c.w, http.StatusNotFound, "not_found", "route not found", c.correlationID)
	}
}

func collectionRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Collection] {
	return resourceRoutes[cumulus.Collection]{
		keyLen: 2,
		create: c.CreateCollection,
		update: func(ctx context.Context, key []string, patch cumulus.Collection) (dualwrite.WriteResult[cumulus.Collection], error) {
			patch.Name, patch.Version = key[0], key[1]
			return c.UpdateCollection(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Collection], error) {
			return c.DeleteCollection(ctx, key[0], key[1])
		},
		get: func(ctx context.Context, key []string) (cumulus.Collection, error) {
			return c.GetCollection(ctx, key[0], key[1])
		},
	}
}

func providerRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Provider] {
	return resourceRoutes[cumulus.Provider]{
		keyLen: 1,
		create: c.CreateProvider,
		update: func(ctx context.Context, key []string, patch cumulus.Provider) (dualwrite.WriteResult[cumulus.Provider], error) {
			patch.ID = key[0]
			return c.UpdateProvider(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Provider], error) {
			return c.DeleteProvider(ctx, key[0])
		},
		get: func(ctx context.Context, key []string) (cumulus.Provider, error) {
			return c.GetProvider(ctx, key[0])
		},
	}
}

func asyncOperationRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.AsyncOperation] {
	return resourceRoutes[cumulus.AsyncOperation]{
		keyLen: 1,
		create: c.CreateAsyncOperation,
		update: func(ctx context.Context, key []string, patch cumulus.AsyncOperation) (dualwrite.WriteResult[cumulus.AsyncOperation], error) {
			patch.ID = key[0]
			return c.UpdateAsyncOperation(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.AsyncOperation], error) {
			return c.DeleteAsyncOperation(ctx, key[0])
		},
		get: func(ctx context.Context, key []string) (cumulus.AsyncOperation, error) {
			return c.GetAsyncOperation(ctx, key[0])
		},
	}
}

func ruleRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Rule] {
	return resourceRoutes[cumulus.Rule]{
		keyLen: 1,
		create: c.CreateRule,
		update: func(ctx context.Context, key []string, patch cumulus.Rule) (dualwrite.WriteResult[cumulus.Rule], error) {
			patch.Name = key[0]
			return c.UpdateRule(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Rule], error) {
			return c.DeleteRule(ctx, key[0])
		},
		get: func(ctx context.Context, key []string) (cumulus.Rule, error) {
			return c.GetRule(ctx, key[0])
		},
	}
}

func executionRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Execution] {
	return resourceRoutes[cumulus.Execution]{
		keyLen: 1,
		create: c.CreateExecution,
		update: func(ctx context.Context, key []string, patch cumulus.Execution) (dualwrite.WriteResult[cumulus.Execution], error) {
			patch.Arn = key[0]
			return c.UpdateExecution(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Execution], error) {
			return c.DeleteExecution(ctx, key[0])
		},
		get: func(ctx context.Context, key []string) (cumulus.Execution, error) {
			return c.GetExecution(ctx, key[0])
		},
	}
}

func pdrRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Pdr] {
	return resourceRoutes[cumulus.Pdr]{
		keyLen: 1,
		create: c.CreatePdr,
		update: func(ctx context.Context, key []string, patch cumulus.Pdr) (dualwrite.WriteResult[cumulus.Pdr], error) {
			patch.PdrName = key[0]
			return c.UpdatePdr(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Pdr], error) {
			return c.DeletePdr(ctx, key[0])
		},
		get: func(ctx context.Context, key []string) (cumulus.Pdr, error) {
			return c.GetPdr(ctx, key[0])
		},
	}
}

func granuleRoutes(c *dualwrite.Coordinator) resourceRoutes[cumulus.Granule] {
	return resourceRoutes[cumulus.Granule]{
		keyLen: 2,
		create: c.CreateGranule,
		update: func(ctx context.Context, key []string, patch cumulus.Granule) (dualwrite.WriteResult[cumulus.Granule], error) {
			patch.CollectionID, patch.GranuleID = key[0], key[1]
			return c.UpdateGranule(ctx, patch)
		},
		remove: func(ctx context.Context, key []string) (dualwrite.WriteResult[cumulus.Granule], error) {
			return c.DeleteGranule(ctx, key[0], key[1])
		},
		get: func(ctx context.Context, key []string) (cumulus.Granule, error) {
			return c.GetGranule(ctx, key[0], key[1])
		},
	}
}
