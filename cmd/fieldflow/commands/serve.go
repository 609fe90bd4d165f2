package commands

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/db"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/store"
)

var serveListen string

// ServeCmd serves the embedded store over HTTP.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the embedded store over HTTP for other processes",
	Long: `Opens the local SQLite-backed entity store and serves it over the
REST and websocket surface the "rest" store driver consumes. Lets
producers, workers, and appliers on other hosts share one store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		conn, err := db.OpenWithMigrations(cfg.Store.Path, logger.Named("db"))
		if err != nil {
			return err
		}
		st := store.NewSQLite(conn)
		defer st.Close()

		logger.Infow("Store server listening", "addr", serveListen, "path", cfg.Store.Path)
		return http.ListenAndServe(serveListen, store.NewServer(st))
	},
}

func init() {
	ServeCmd.Flags().StringVar(&serveListen, "listen", ":8080", "Address to listen on")
}
