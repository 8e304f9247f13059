// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package strawhub

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"

	"github.com/strawhub/strawhub/internal/virustotal"
)

// Configuration contains all configuration values that are not specific to a
// certain driver.
type Configuration struct {
	// VirusTotal is nil when no STRAWHUB_VIRUSTOTAL_API_KEY is configured. The
	// scan jobs treat a missing provider config as an operationally recoverable
	// condition, not as a startup error.
	VirusTotal *virustotal.Config
}

// ParseConfiguration obtains a strawhub.Configuration instance from the
// corresponding environment variables. Aborts on error.
func ParseConfiguration() Configuration {
	logg.Debug("parsing configuration...")

	var cfg Configuration
	if apiKey := os.Getenv("STRAWHUB_VIRUSTOTAL_API_KEY"); apiKey != "" {
		urlStr := osext.GetenvOrDefault("STRAWHUB_VIRUSTOTAL_URL", "https://www.virustotal.com")
		vtURL, err := url.Parse(urlStr)
		if err != nil {
			logg.Fatal("malformed STRAWHUB_VIRUSTOTAL_URL: %s", err.Error())
		}
		cfg.VirusTotal = &virustotal.Config{
			APIKey: apiKey,
			URL:    *vtURL,
		}
	}
	return cfg
}

// GetDatabaseURLFromEnvironment reads the STRAWHUB_DB_* environment variables.
func GetDatabaseURLFromEnvironment() (dbURL url.URL, dbName string) {
	dbName = osext.GetenvOrDefault("STRAWHUB_DB_NAME", "strawhub")
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("STRAWHUB_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("STRAWHUB_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("STRAWHUB_DB_USERNAME", "postgres"),
		Password:          os.Getenv("STRAWHUB_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("STRAWHUB_DB_CONNECTION_OPTIONS"),
		DatabaseName:      dbName,
	})), dbName
}

// GetRedisOptions returns a redis.Options by getting the required parameters
// from environment variables:
//
//	REDIS_PASSWORD, REDIS_HOSTNAME, REDIS_PORT, and REDIS_DB_NUM.
//
// The environment variable keys are prefixed with the provided prefix.
func GetRedisOptions(prefix string) (*redis.Options, error) {
	pass := os.Getenv(prefix + "_PASSWORD")
	host := osext.GetenvOrDefault(prefix+"_HOSTNAME", "localhost")
	port := osext.GetenvOrDefault(prefix+"_PORT", "6379")
	dbNum := osext.GetenvOrDefault(prefix+"_DB_NUM", "0")
	db, err := strconv.Atoi(dbNum)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q", prefix+"_DB_NUM", dbNum)
	}

	return &redis.Options{
		Network:    "tcp",
		Password:   pass,
		Addr:       net.JoinHostPort(host, port),
		ClientName: bininfo.Component(),
		DB:         db,
	}, nil
}
