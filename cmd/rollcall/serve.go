package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the roster and attendance API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		listen := cfg.Server.Listen
		if listenAddr != "" {
			listen = listenAddr
		}
		srv := server.New(p, server.Options{
			Listen:         listen,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			RequestTimeout: cfg.SessionTimeout() + 10*time.Second,
		})
		return srv.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}
