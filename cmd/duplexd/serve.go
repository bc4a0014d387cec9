package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/duplexio/duplex"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a duplex server with echo and time hooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			cfg := duplex.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = duplex.LoadConfig(configPath); err != nil {
					return err
				}
			}

			srv := duplex.NewServer(
				duplex.WithServerConfig(cfg),
				duplex.WithServerLogger(log),
			)
			srv.OnOpen(func(so *duplex.Socket) {
				so.Hook("echo", func(args ...interface{}) []interface{} {
					return args
				})
				so.Hook("time", func() string {
					return time.Now().UTC().Format(time.RFC3339)
				})
				so.Listen("broadcast", func(channel, event string, payload interface{}) {
					srv.Fire(channel, event, payload)
				})
				so.OnError(func(err error) {
					log.Warn().Err(err).Msg("session error")
				})
			})

			log.Info().Str("addr", cfg.Addr).Msg("listening")
			return http.ListenAndServe(cfg.Addr, srv.Handler())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config")
	return cmd
}
