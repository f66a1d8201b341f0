package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aiprompter/aiprompter/internal/client"
	"github.com/aiprompter/aiprompter/internal/usage"
)

// ErrLimitReached is returned when the local counter or the gateway
// refuses an enhancement for today.
var ErrLimitReached = errors.New("daily limit reached")

// ClientFlags are shared by the terminal client commands.
type ClientFlags struct {
	Server    string        `help:"Gateway base URL." default:"http://localhost:8080" env:"AIPROMPTER_SERVER"`
	Limit     int           `help:"Daily limit assumed while the gateway is unreachable." default:"5" env:"AIPROMPTER_LOCAL_LIMIT"`
	UsageFile string        `name:"usage-file" help:"Local usage record (default: user cache dir)." type:"path" env:"AIPROMPTER_USAGE_FILE"`
	Timeout   time.Duration `help:"Request timeout." default:"90s"`
}

func (f *ClientFlags) counter(limit int) (*usage.Counter, error) {
	path := f.UsageFile
	if path == "" {
		var err error
		if path, err = usage.DefaultPath(); err != nil {
			return nil, fmt.Errorf("locating usage file: %w", err)
		}
	}
	return usage.NewCounter(usage.NewFileStore(path), limit), nil
}

// syncedCounter returns the local counter reconciled with the gateway's
// status when it is reachable. online reports whether it was.
func (f *ClientFlags) syncedCounter(ctx context.Context, c *client.Client) (counter *usage.Counter, online bool, err error) {
	limit := f.Limit
	q, statusErr := c.Status(ctx)
	if statusErr == nil && q.Limit > 0 {
		limit = int(q.Limit)
	}

	counter, err = f.counter(limit)
	if err != nil {
		return nil, false, err
	}
	if statusErr == nil {
		counter.Reconcile(int(q.Remaining))
	}
	return counter, statusErr == nil, nil
}

// EnhanceCmd sends one prompt to the gateway.
type EnhanceCmd struct {
	ClientFlags `embed:""`

	Type   string   `short:"t" help:"Transformation: rewrite, summarize or brainstorm." enum:"rewrite,summarize,brainstorm" default:"rewrite"`
	Prompt []string `arg:"" optional:"" help:"Prompt text. Read from stdin when omitted."`
}

func (c *EnhanceCmd) Run() error {
	prompt := strings.Join(c.Prompt, " ")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading prompt: %w", err)
		}
		prompt = string(data)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return errors.New("empty prompt")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return c.run(ctx, client.New(c.Server), prompt, os.Stdout, os.Stderr)
}

func (c *EnhanceCmd) run(ctx context.Context, gw *client.Client, prompt string, stdout, stderr io.Writer) error {
	counter, _, err := c.syncedCounter(ctx, gw)
	if err != nil {
		return err
	}

	if counter.Remaining() == 0 {
		fmt.Fprintf(stderr, "Daily limit of %d reached. Resets in %s.\n",
			counter.Limit(), usage.FormatDuration(counter.UntilReset()))
		return ErrLimitReached
	}

	res, err := gw.Enhance(ctx, prompt, c.Type)
	var limited *client.RateLimitedError
	switch {
	case errors.As(err, &limited):
		counter.Reconcile(0)
		fmt.Fprintf(stderr, "Daily limit of %d reached. Resets in %s.\n",
			limited.Quota.Limit, usage.FormatDuration(time.Duration(limited.Quota.ResetSeconds)*time.Second))
		return ErrLimitReached
	case err != nil:
		return err
	}

	var rec usage.Record
	if res.Quota != nil {
		rec = counter.Reconcile(int(res.Quota.Remaining))
	} else {
		rec = counter.RecordUse()
	}

	fmt.Fprintln(stdout, res.Text)
	fmt.Fprintf(stderr, "%d of %d enhancements left today.\n", max(counter.Limit()-rec.Count, 0), counter.Limit())
	return nil
}

// StatusCmd prints today's quota.
type StatusCmd struct {
	ClientFlags `embed:""`
}

func (c *StatusCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return c.run(ctx, client.New(c.Server), os.Stdout)
}

func (c *StatusCmd) run(ctx context.Context, gw *client.Client, stdout io.Writer) error {
	counter, online, err := c.syncedCounter(ctx, gw)
	if err != nil {
		return err
	}

	suffix := ""
	if !online {
		suffix = " (offline, local count)"
	}
	fmt.Fprintf(stdout, "%d of %d enhancements left today, resets in %s%s.\n",
		counter.Remaining(), counter.Limit(), usage.FormatDuration(counter.UntilReset()), suffix)
	return nil
}
