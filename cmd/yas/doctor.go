package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/yas/internal/observability"
	"github.com/jkaninda/yas/internal/session"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the base URL, data directory and history store",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	s, err := session.New(ctx, nil, sc.Env, sc.sessionOptions(cmd))
	if err != nil {
		return err
	}

	health := observability.NewHealthChecker(sc.Logger)
	if sc.Obs != nil && sc.Obs.Health != nil {
		health = sc.Obs.Health
	}
	base := s.Base().String()
	health.AddCheck("base", func(ctx context.Context) error {
		return probe(ctx, base)
	})
	health.AddCheck("home", func(context.Context) error {
		return writable(s.Workspace().Root)
	})
	if !sc.Config.Cache.Disabled {
		health.AddAdvisoryCheck("cache", func(context.Context) error {
			return writable(s.Workspace().CacheDir())
		})
	}
	if sc.History != nil {
		health.AddAdvisoryCheck("history", sc.History.Ping)
	}

	status := health.Run(ctx)
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, c := range status.Checks {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", c.Name, c.Status, c.Elapsed.Round(time.Millisecond), c.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !status.OK() {
		return errors.New("one or more checks failed")
	}
	return nil
}

// probe issues a HEAD request; any HTTP response counts as reachable.
func probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
