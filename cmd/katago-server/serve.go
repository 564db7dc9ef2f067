package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/katago-server/internal/api"
	"github.com/CZERTAINLY/katago-server/internal/log"
	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/parallel"
	"github.com/CZERTAINLY/katago-server/internal/protocol"
	"github.com/CZERTAINLY/katago-server/internal/service"
)

var (
	flagTimeout  time.Duration // value of analyze --timeout
	flagParallel int           // value of analyze --parallel
	flagForce    bool          // value of config init --force
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group(appName,
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := service.New(config.Engine)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	handler := api.New(svc,
		api.WithServerVersion(appName, buildVersion()),
		api.WithCORS(config.Server.CORSOrigins...),
	)
	srv := &http.Server{
		Addr:              config.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// requests outlive the signal and get drained
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		grace := config.Engine.DrainTimeout + config.Engine.ControlTimeout
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		return errors.Join(srv.Shutdown(sctx), svc.Close(sctx))
	})
	return g.Wait()
}

// doAnalyze reads a stream of requests and prints one response, or the
// problem, per request in input order.
func doAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group(appName,
		slog.String("cmd", "analyze"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening requests: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		in = f
	}

	svc, err := service.New(config.Engine)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "stopping engine", "error", err)
		}
	}()

	analyze := func(ctx context.Context, req model.AnalysisRequest) (model.AnalysisResponse, error) {
		return svc.Analyze(ctx, req, flagTimeout)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for resp, err := range parallel.Ordered(ctx, flagParallel, requests(in), analyze) {
		var out any = resp
		if err != nil {
			failed++
			out = service.ToProblem(err)
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d analyses failed", failed)
	}
	return nil
}

// requests decodes concatenated or newline delimited JSON requests. A
// malformed value ends the stream.
func requests(r io.Reader) iter.Seq2[model.AnalysisRequest, error] {
	return func(yield func(model.AnalysisRequest, error) bool) {
		dec := json.NewDecoder(r)
		for {
			var req model.AnalysisRequest
			err := dec.Decode(&req)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				err = &protocol.ValidationError{Fields: []protocol.FieldError{{Field: "body", Message: err.Error()}}}
				yield(req, err)
				return
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}

func doConfigInit(_ *cobra.Command, args []string) error {
	path := filepath.Join(userConfigPath, configFileName)
	if len(args) == 1 {
		path = args[0]
	}
	if exists(path) && !flagForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	fmt.Println(path)
	return nil
}
