package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loykin/warden/pkg/client"
)

// apiCommand runs client-side subcommands against the daemon.
type apiCommand struct {
	flags *GlobalFlags
}

func (a apiCommand) client() *client.Client {
	return client.New(client.Config{BaseURL: a.flags.APIUrl, Timeout: a.flags.APITimeout})
}

func (a apiCommand) ctx(parent context.Context) context.Context {
	if parent == nil {
		return context.Background()
	}
	return parent
}

// Status prints the process record, or the detailed backend view.
func (a apiCommand) Status(ctx context.Context, w io.Writer, detailed bool) error {
	ctx = a.ctx(ctx)
	c := a.client()
	if !detailed {
		rec, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		if rec == nil {
			_, err := fmt.Fprintln(w, "backend has not been started")
			return err
		}
		return printJSON(w, rec)
	}

	st, err := c.Backend(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	out := struct {
		client.BackendStatus
		Uptime    string          `json:"uptime,omitempty"`
		Resources []client.Sample `json:"resources,omitempty"`
	}{BackendStatus: st}
	if st.UptimeSeconds != nil {
		out.Uptime = (time.Duration(*st.UptimeSeconds) * time.Second).String()
	}
	if samples, err := c.Resources(ctx); err == nil {
		if n := len(samples); n > 5 {
			samples = samples[n-5:]
		}
		out.Resources = samples
	}
	return printJSON(w, out)
}

// Lifecycle invokes one POST operation and prints its message.
func (a apiCommand) Lifecycle(ctx context.Context, w io.Writer, op func(*client.Client, context.Context) (client.Response, error)) error {
	resp, err := op(a.client(), a.ctx(ctx))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, resp.Message); err != nil {
		return err
	}
	if resp.Record != nil {
		return printJSON(w, resp.Record)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
