package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/banshee-data/crossview/internal/api"
	"github.com/banshee-data/crossview/internal/reid/annotate"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/reid/storage/sqlite"
	"github.com/banshee-data/crossview/internal/reid/stream"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		listen      string
		grpcListen  string
		dataDir     string
		outDir      string
		detectorURL string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP and progress over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := ctx.openDB()
			if err != nil {
				return err
			}

			opts := pipeline.ManagerOptions{
				Base:        base,
				DetectorURL: detectorURL,
				Sinks:       annotate.SinkFactory(outDir),
			}
			var history api.RunHistory
			if db != nil {
				store := sqlite.NewRunStore(db)
				opts.Recorder = store
				history = store
			}
			mgr := pipeline.NewManager(opts)

			mux := api.NewServer(mgr, history, dataDir).ServeMux()
			if db != nil {
				if err := db.AttachAdminRoutes(mux); err != nil {
					return err
				}
			}

			var grpcLis net.Listener
			if grpcListen != "" {
				grpcLis, err = net.Listen("tcp", grpcListen)
				if err != nil {
					return err
				}
			}
			return serve(cmd.Context(), mgr, &http.Server{Addr: listen, Handler: api.LoggingMiddleware(mux)}, grpcLis)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcListen, "grpc-listen", ":9090", "gRPC progress stream listen address (disabled when empty)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Confine run sources to this directory")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for per-run annotation files")
	cmd.Flags().StringVar(&detectorURL, "detector-url", "", "Detection service URL for image-directory sources")

	return cmd
}

// serve runs the HTTP server and optional gRPC server until ctx ends, then
// stops them and cancels the active run.
func serve(ctx context.Context, mgr *pipeline.Manager, server *http.Server, grpcLis net.Listener) error {
	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = stream.NewGRPCServer(stream.NewServer(mgr, nil))
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC progress stream listening on %s", grpcLis.Addr())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	log.Println("shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("run shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return runErr
}
