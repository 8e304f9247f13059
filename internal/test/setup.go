// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

// Package test contains doubles and setup helpers for unit tests.
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"

	moderationv1 "github.com/strawhub/strawhub/internal/api/moderation"
	skillsv1 "github.com/strawhub/strawhub/internal/api/skills"
	"github.com/strawhub/strawhub/internal/strawhub"
	"github.com/strawhub/strawhub/internal/virustotal"
)

type setupParams struct {
	WithAPI        bool
	WithVirusTotal bool
	WithRedis      bool
}

// SetupOption is an optional behavior that can be given to NewSetup().
type SetupOption func(*setupParams)

// WithAPI is a SetupOption that builds the Handler field with all APIs mounted.
func WithAPI(params *setupParams) {
	params.WithAPI = true
}

// WithVirusTotalDouble is a SetupOption that runs a scanning provider double
// and points Cfg.VirusTotal at it.
func WithVirusTotalDouble(params *setupParams) {
	params.WithVirusTotal = true
}

// WithRedis is a SetupOption that provides a miniredis instance for the
// verdict cache.
func WithRedis(params *setupParams) {
	params.WithRedis = true
}

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	Ctx        context.Context
	Cfg        strawhub.Configuration
	DB         *strawhub.DB
	Clock      *Clock
	SD         strawhub.StorageDriver
	AD         strawhub.AuthDriver
	Auditor    *Auditor
	Registry   *prometheus.Registry
	Handler    http.Handler
	VirusTotal *VirusTotalDouble
	Redis      *redis.Client
}

// NewSetup prepares most or all pieces of the application for a test.
func NewSetup(t *testing.T, opts ...SetupOption) Setup {
	t.Helper()
	logg.ShowDebug, _ = strconv.ParseBool(os.Getenv("STRAWHUB_DEBUG"))

	var params setupParams
	for _, option := range opts {
		option(&params)
	}

	s := Setup{
		Ctx:      t.Context(),
		Clock:    &Clock{},
		Auditor:  &Auditor{},
		Registry: prometheus.NewPedanticRegistry(),
	}

	dbConn := easypg.ConnectForTest(t, strawhub.DBConfiguration(),
		easypg.ClearTables("skills"),
		easypg.ResetPrimaryKeys("skills", "versions"),
	)
	s.DB = strawhub.InitORM(dbConn)

	var err error
	s.SD, err = strawhub.NewStorageDriver("in-memory-for-testing", s.Cfg)
	mustT(t, err)
	s.AD, err = strawhub.NewAuthDriver("unittest")
	mustT(t, err)

	if params.WithVirusTotal {
		s.VirusTotal = &VirusTotalDouble{}
		server := httptest.NewServer(s.VirusTotal)
		t.Cleanup(server.Close)
		serverURL, err := url.Parse(server.URL)
		mustT(t, err)
		s.Cfg.VirusTotal = &virustotal.Config{
			APIKey: "unittest-api-key",
			URL:    *serverURL,
		}
	}

	if params.WithRedis {
		mr := miniredis.RunT(t)
		s.Clock.MiniRedis = mr
		mr.SetTime(s.Clock.Now())
		s.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	if params.WithAPI {
		s.Handler = httpapi.Compose(
			skillsv1.NewAPI(s.DB, s.SD, s.AD, s.Auditor).OverrideTimeNow(s.Clock.Now),
			moderationv1.NewAPI(s.DB, s.AD, s.Auditor).OverrideTimeNow(s.Clock.Now),
			httpapi.WithoutLogging(),
		)
	}

	return s
}

func mustT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err.Error())
	}
}
