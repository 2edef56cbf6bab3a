// Command projectsync runs the project-management job pipeline: the worker,
// the sync scheduler and the operator HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "projectsync",
		Short: "Background jobs of the project-management application",
		Long: `
Background jobs of the project-management application.

Configurable Options:

Options may be supplied in a YAML file (--config) or via environment
variables prefixed with PROJECTSYNC_. Only values that differ from the
defaults need to be set.

  database:
      driver             (string)   (PROJECTSYNC_DATABASE_DRIVER)   sqlite or postgres
      dsn                (string)   (PROJECTSYNC_DATABASE_DSN)
      pool               (string)   (PROJECTSYNC_DATABASE_POOL)     default, sqlite, sync-heavy or constrained
      max_open_conns     (int)      (PROJECTSYNC_DATABASE_MAX_OPEN_CONNS)
  erp.info / erp.actuals:
      base_url           (string)   (PROJECTSYNC_ERP_INFO_BASE_URL)
      username           (string)   (PROJECTSYNC_ERP_INFO_USERNAME)
      password           (string)   (PROJECTSYNC_ERP_INFO_PASSWORD)
      timeout            (duration) (PROJECTSYNC_ERP_INFO_TIMEOUT)
      session_path       (string)   (PROJECTSYNC_ERP_INFO_SESSION_PATH)
  redis:
      addr               (string)   (PROJECTSYNC_REDIS_ADDR)        enables the ERP rate limit
      burst, rate        (int, float)
  sync:
      companies          (list)     (PROJECTSYNC_SYNC_COMPANIES)
      chunk_size         (int)      (PROJECTSYNC_SYNC_CHUNK_SIZE)
      start_year         (int)      (PROJECTSYNC_SYNC_START_YEAR)
      cron               (string)   (PROJECTSYNC_SYNC_CRON)
  reports:
      sink               (string)   (PROJECTSYNC_REPORTS_SINK)      db or s3
      s3.bucket          (string)   (PROJECTSYNC_REPORTS_S3_BUCKET)
  http:
      addr               (string)   (PROJECTSYNC_HTTP_ADDR)
  log:
      level, format, file
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a configuration file")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newSyncCmd())
	return root
}
