// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpapi/pprofapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	moderationv1 "github.com/strawhub/strawhub/internal/api/moderation"
	skillsv1 "github.com/strawhub/strawhub/internal/api/skills"
	"github.com/strawhub/strawhub/internal/strawhub"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the strawhub-api server component.",
		Long:  "Run the strawhub-api server component. Configuration is read from environment variables as described in README.md.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_, _ = cmd, args

	bininfo.SetTaskName("api")

	cfg := strawhub.ParseConfiguration()
	ctx := httpext.ContextWithSIGINT(cmd.Context(), 10*time.Second)
	auditor := must.Return(strawhub.InitAuditTrail(ctx))

	dbURL, dbName := strawhub.GetDatabaseURLFromEnvironment()
	dbConn := must.Return(easypg.Connect(dbURL, strawhub.DBConfiguration()))
	prometheus.MustRegister(sqlstats.NewStatsCollector(dbName, dbConn))
	db := strawhub.InitORM(dbConn)

	ad := must.Return(strawhub.NewAuthDriver(osext.MustGetenv("STRAWHUB_DRIVER_AUTH")))
	sd := must.Return(strawhub.NewStorageDriver(osext.MustGetenv("STRAWHUB_DRIVER_STORAGE"), cfg))

	// wire up HTTP handlers
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"HEAD", "GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "User-Agent", "Authorization"},
	})
	handler := httpapi.Compose(
		skillsv1.NewAPI(db, sd, ad, auditor),
		moderationv1.NewAPI(db, ad, auditor),
		httpapi.HealthCheckAPI{
			SkipRequestLog: true,
			Check: func() error {
				return db.Db.PingContext(ctx)
			},
		},
		httpapi.WithGlobalMiddleware(corsMiddleware.Handler),
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	// start HTTP server
	apiListenAddress := osext.GetenvOrDefault("STRAWHUB_API_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, apiListenAddress, mux))
}
