// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package janitorcmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpapi/pprofapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the strawhub-janitor server component.",
		Long:  "Run the strawhub-janitor server component. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, _ = cmd, args

	bininfo.SetTaskName("janitor")

	cfg := strawhub.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)
	auditor := must.Return(strawhub.InitAuditTrail(ctx))

	dbURL, dbName := strawhub.GetDatabaseURLFromEnvironment()
	dbConn := must.Return(easypg.Connect(dbURL, strawhub.DBConfiguration()))
	prometheus.MustRegister(sqlstats.NewStatsCollector(dbName, dbConn))
	db := strawhub.InitORM(dbConn)

	sd := must.Return(strawhub.NewStorageDriver(osext.MustGetenv("STRAWHUB_DRIVER_STORAGE"), cfg))

	janitor := tasks.NewJanitor(cfg, db, sd, auditor)
	rc := must.Return(initRedis())
	if rc != nil {
		janitor = janitor.WithVerdictCache(rc)
	}

	// start job loops
	go janitor.SubmitPendingScanJob(nil).Run(ctx)
	go janitor.PollScanJob(nil).Run(ctx)

	// start HTTP server for Prometheus metrics and health check
	handler := httpapi.Compose(
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				return db.Db.PingContext(ctx)
			},
		},
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	listenAddress := osext.GetenvOrDefault("STRAWHUB_JANITOR_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, mux))
}

// Note that, since Redis is optional, this may return (nil, nil).
func initRedis() (*redis.Client, error) {
	if !osext.GetenvBool("STRAWHUB_REDIS_ENABLE") {
		return nil, nil
	}
	logg.Debug("initializing Redis connection...")

	opts, err := strawhub.GetRedisOptions("STRAWHUB_REDIS")
	if err != nil {
		return nil, fmt.Errorf("cannot parse Redis URL: %s", err.Error())
	}
	return redis.NewClient(opts), nil
}
