package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/iiif-stitch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for IIIF stitching API",
	Long: `Start an HTTP server that provides a REST API for IIIF image stitching.

Endpoints:
  GET  /api/v1/health                          health check
  GET  /api/v1/stitch?source=<url>&workers=<n>  stitched PNG of one tile source
  POST /api/v1/sources                         tile sources found in a viewer page

Examples:
  # Start server on default port 8080
  iiif-stitch serve

  # Start server on custom port
  iiif-stitch serve --port 3000

  # Start server with custom bind address
  iiif-stitch serve --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 5*time.Minute, "request timeout")

	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	opts, err := stitcherOptions()
	if err != nil {
		return err
	}

	logger := newLogger()
	addr := fmt.Sprintf("%s:%d", bind, port)

	apiServer := server.NewServer(version, opts, logger)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewRouter(apiServer, timeout),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error: %v", err)
		}
	}()

	logger.Info("starting iiif-stitch server on %s", addr)
	logger.Info("health check: http://%s/api/v1/health", addr)
	logger.Info("stitch endpoint: http://%s/api/v1/stitch?source=<info.json URL>", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
