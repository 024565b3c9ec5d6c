package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tablegate/internal/pkg/administrator"
	"tablegate/internal/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service and queue workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Log.Sync()

	admin, err := administrator.New(cfg)
	if err != nil {
		return err
	}
	admin.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- admin.StartService(cfg.ServerPort)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case s := <-sigChan:
		logger.Log.Info("Received signal, shutting down", zap.String("signal", s.String()))
	case err = <-serveErr:
		if err != nil {
			logger.Log.Error("HTTP service failed", zap.Error(err))
		}
	}

	admin.Stop()
	return err
}
