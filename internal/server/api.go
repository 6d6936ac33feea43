package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/manager"
)

// Sweeper runs one health sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// api holds the framework-neutral handlers; the gin and echo routers only
// extract parameters and write the result.
type api struct {
	core    channel.Core
	sweeper Sweeper
	log     *slog.Logger
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type sweepResp struct {
	Crashed int `json:"crashed"`
}

func fail(err error) (int, any) {
	return statusCode(err), errorResp{Error: job.Message(err)}
}

func (a *api) dispatch(ctx context.Context, ev channel.Event) (int, any) {
	r := channel.Dispatch(ctx, a.core, ev)
	code := replyCode(r)
	if code >= http.StatusInternalServerError {
		a.log.Error("request failed", "id", ev.ID, "kind", ev.Kind.String(), "error", r.Err)
	}
	return code, r
}

func (a *api) submit(ctx context.Context, owner, name string, payload []byte, readErr error) (int, any) {
	id, err := parseOwner(owner)
	if err != nil {
		return fail(err)
	}
	if readErr != nil {
		return fail(readErr)
	}
	if !isSafeName(name) {
		return fail(job.Errorf(job.ErrInvalid, "submit", "invalid file name %q", name))
	}
	return a.dispatch(ctx, channel.Submission(id, name, payload))
}

func (a *api) list(ctx context.Context, owner string) (int, any) {
	id, err := parseOwner(owner)
	if err != nil {
		return fail(err)
	}
	return a.dispatch(ctx, channel.Listing(id))
}

func (a *api) query(ctx context.Context, owner, hash string) (int, any) {
	id, err := parseOwner(owner)
	if err != nil {
		return fail(err)
	}
	return a.dispatch(ctx, channel.Status(id, hash))
}

func (a *api) act(ctx context.Context, owner, hash, action string) (int, any) {
	id, err := parseOwner(owner)
	if err != nil {
		return fail(err)
	}
	act, err := manager.ParseAction(action)
	if err != nil {
		return fail(err)
	}
	return a.dispatch(ctx, channel.Command(id, hash, act))
}

func (a *api) sweep(ctx context.Context) (int, any) {
	if a.sweeper == nil {
		return http.StatusNotImplemented, errorResp{Error: "sweep not available"}
	}
	n, err := a.sweeper.Sweep(ctx)
	if err != nil {
		a.log.Error("manual sweep failed", "error", err)
		return http.StatusInternalServerError, errorResp{Error: "sweep failed"}
	}
	return http.StatusOK, sweepResp{Crashed: n}
}
