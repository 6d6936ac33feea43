package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/scripthost"
	"github.com/loykin/scripthost/pkg/client"
)

// OwnerEnv supplies the default --owner.
const OwnerEnv = "SCRIPTHOST_OWNER"

type command struct {
	global *GlobalFlags
	out    io.Writer
	in     io.Reader
}

func ownerFromEnv() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(OwnerEnv)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// apiURL turns a listen address and base path into a client URL.
func apiURL(listen, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	base := strings.Trim(basePath, "/")
	if base != "" {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + base
}

func (c command) printer() (printer, error) {
	return newPrinter(c.out, c.global.Output)
}

// client builds an API client. Without --api-url the [server] section of
// --config is used, then the client default.
func (c command) client(f APIFlags) (*client.Client, error) {
	u := f.APIUrl
	if u == "" && c.global.ConfigPath != "" {
		cfg, err := scripthost.LoadConfig(c.global.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		u = apiURL(cfg.Server.Listen, cfg.Server.BasePath)
	}
	return client.New(client.Config{
		BaseURL: u,
		Timeout: f.APITimeout,
		Logger:  slog.New(slog.DiscardHandler),
	}), nil
}

// ownerClient is client for commands scoped to one owner.
func (c command) ownerClient(f APIFlags) (*client.Client, error) {
	if f.Owner <= 0 {
		return nil, fmt.Errorf("owner id is required (--owner or %s)", OwnerEnv)
	}
	return c.client(f)
}

// show prints r. An informational answer (already running, not running)
// is not a failure.
func (c command) show(p printer, r client.Reply, err error) error {
	if err != nil && !client.IsInformational(err) {
		return err
	}
	return p.reply(r)
}

// Submit uploads each path, or stdin when paths is empty or "-".
func (c command) Submit(ctx context.Context, f SubmitFlags, paths []string) error {
	cl, err := c.ownerClient(f.APIFlags)
	if err != nil {
		return err
	}
	p, err := c.printer()
	if err != nil {
		return err
	}
	if len(paths) == 0 || (len(paths) == 1 && paths[0] == "-") {
		if f.Name == "" {
			return errors.New("--name is required when reading the script from stdin")
		}
		data, err := io.ReadAll(c.in)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		r, err := cl.Submit(ctx, f.Owner, f.Name, data)
		return c.afterSubmit(ctx, cl, p, f, r, err)
	}
	var errs []error
	for _, path := range paths {
		r, err := cl.SubmitFile(ctx, f.Owner, path)
		if err := c.afterSubmit(ctx, cl, p, f, r, err); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func (c command) afterSubmit(ctx context.Context, cl *client.Client, p printer, f SubmitFlags, r client.Reply, err error) error {
	if err != nil {
		return err
	}
	if err := p.reply(r); err != nil {
		return err
	}
	if !f.Start || r.Record == nil {
		return nil
	}
	sr, err := cl.Action(ctx, f.Owner, r.Record.Hash, "start")
	return c.show(p, sr, err)
}

// Action runs a lifecycle action on one job.
func (c command) Action(ctx context.Context, f JobFlags, action string) error {
	cl, err := c.ownerClient(f.APIFlags)
	if err != nil {
		return err
	}
	p, err := c.printer()
	if err != nil {
		return err
	}
	r, err := cl.Action(ctx, f.Owner, f.Hash, action)
	return c.show(p, r, err)
}

// Status prints the detailed view of one job.
func (c command) Status(ctx context.Context, f JobFlags) error {
	cl, err := c.ownerClient(f.APIFlags)
	if err != nil {
		return err
	}
	p, err := c.printer()
	if err != nil {
		return err
	}
	r, err := cl.Status(ctx, f.Owner, f.Hash)
	if err != nil {
		return err
	}
	if p.format != outputText && r.View != nil {
		return p.value(r.View)
	}
	return p.reply(r)
}

// List prints the owner's jobs.
func (c command) List(ctx context.Context, f APIFlags) error {
	cl, err := c.ownerClient(f)
	if err != nil {
		return err
	}
	p, err := c.printer()
	if err != nil {
		return err
	}
	r, err := cl.List(ctx, f.Owner)
	if err != nil {
		return err
	}
	if p.format != outputText {
		jobs := r.Jobs
		if jobs == nil {
			jobs = []client.Summary{}
		}
		return p.value(jobs)
	}
	return p.reply(r)
}

// Sweep asks the daemon for an immediate health sweep.
func (c command) Sweep(ctx context.Context, f APIFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	p, err := c.printer()
	if err != nil {
		return err
	}
	n, err := cl.Sweep(ctx)
	if err != nil {
		return err
	}
	if p.format != outputText {
		return p.value(map[string]int{"crashed": n})
	}
	_, err = fmt.Fprintf(p.w, "Sweep finished: %d job(s) found crashed\n", n)
	return err
}
