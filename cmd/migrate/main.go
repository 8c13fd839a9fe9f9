package main

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/crash-services/configs"
)

const SERVICE_NAME = "migrate"

// usage: migrate [up | down N]
func main() {
	config.LoadEnv(SERVICE_NAME)

	m, err := migrate.New("file://db/migrations", databaseURL())
	if err != nil {
		log.Fatalf("migration setup failed: %v", err)
	}
	defer m.Close()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			if steps, err = strconv.Atoi(os.Args[2]); err != nil || steps <= 0 {
				log.Fatalf("invalid step count %q", os.Args[2])
			}
		}
		err = m.Steps(-steps)
	default:
		log.Fatalf("unknown command %q, want up or down", cmd)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("database migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	log.Infof("database migrations applied, version %d dirty=%t", version, dirty)
}

// databaseURL maps POSTGRES_URL onto the pgx5 driver scheme.
func databaseURL() string {
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		log.Fatal("POSTGRES_URL is not set")
	}
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
