package cmd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/metrics"
	"github.com/creativeprojects/mailsync/replica/server"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the replica server receiving the changes of a master",
	RunE:  runServer,
}

var serverFlags struct {
	listen string
	debug  bool
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverFlags.listen, "listen", "l", "", "listen address (overrides the configuration)")
	serverCmd.Flags().BoolVar(&serverFlags.debug, "debug", false, "log every line of the protocol")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, closer, err := newServiceLogger("server")
	if err != nil {
		return err
	}
	defer closer.Close()

	local, err := openLocalStore(false, logger)
	if err != nil {
		return err
	}
	defer local.Close()

	options, err := serverOptions()
	if err != nil {
		return err
	}
	srv, err := server.NewWithLogger(local.list, options, logger)
	if err != nil {
		return err
	}

	address := config.Server.Listen
	if serverFlags.listen != "" {
		address = serverFlags.listen
	}
	if address == "" {
		return fmt.Errorf("%w: no listen address", lib.ErrConfig)
	}

	if config.Server.Metrics != "" {
		metricsServer := &http.Server{
			Addr:              config.Server.Metrics,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Infof("metrics available on http://%s/", config.Server.Metrics)
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %s", err)
			}
		}()
		defer metricsServer.Close()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		logger.Infof("received %s: closing %d connection(s)", sig, srv.Connections())
		_ = srv.Close()
	}()

	return srv.ListenAndServe(address)
}

func serverOptions() (server.Options, error) {
	options := server.Options{
		Users:          config.Server.Users,
		LocalMasters:   config.Server.LocalMasters,
		MaxConnections: config.Server.MaxConnections,
		CommandRate:    config.Server.CommandRate,
		StagingDir:     config.Store.StagingDir(),
		MaxReserved:    config.Server.MaxReserved,
		IdleTimeout:    config.Server.IdleTimeout,
		Debug:          serverFlags.debug,
	}
	if config.Server.TLS.Cert != "" {
		certificate, err := tls.LoadX509KeyPair(config.Server.TLS.Cert, config.Server.TLS.Key)
		if err != nil {
			return options, fmt.Errorf("%w: cannot load tls certificate: %s", lib.ErrConfig, err)
		}
		options.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return options, nil
}
