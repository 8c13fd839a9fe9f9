package config

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/joho/godotenv"
)

var InstanceId string

// LoadEnv reads ./.env when present. Deployments that inject the
// environment directly run without one.
func LoadEnv(service string) {
	log.Info("service configuration and env variables loading started ...")
	err := godotenv.Load("./.env")
	if err != nil {
		log.Warnf("%s: no .env file loaded (%s), using process environment", service, err)
		return
	}

	log.Info(".env file loaded.")
}

func CreateUniqueInstance(service string) string {
	id, err := uuid.NewV4() // instance identifier
	if err != nil {
		log.Fatalf("error generating instanceId: %s", err)
	}
	InstanceId = id.String()
	log.Infof(service+" service with Instance ID: %s is ready", id)
	return id.String()
}

func GetInstanceId() string {
	return InstanceId
}

// AllowedOrigins reads CORS_ORIGINS as a comma separated list.
func AllowedOrigins() []string {
	raw := os.Getenv("CORS_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:5173"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func CORS() *cors.Cors {
	corsOptions := cors.New(cors.Options{
		AllowedOrigins:   AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	return corsOptions
}

// Logging sends logrus output to a rotating file under .l_g and to stdout.
// LOG_LEVEL overrides the default info level.
func Logging(service string) {
	logFolder := ".l_g"

	if err := os.MkdirAll(logFolder, 0755); err != nil {
		log.Warnf("unable to create folder for log %s", err)
		return
	}

	rotate := &lumberjack.Logger{
		Filename:   filepath.Join(logFolder, service+".log"),
		MaxSize:    envInt("LOG_MAX_SIZE_MB", 50),
		MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
		MaxAge:     envInt("LOG_MAX_AGE_DAYS", 14),
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rotate))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level := log.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if lvl, err := log.ParseLevel(raw); err == nil {
			level = lvl
		} else {
			log.Warnf("invalid LOG_LEVEL %q, keeping info", raw)
		}
	}
	log.SetLevel(level)

	log.Infof("log to file started for service: %s", service)
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func CustomLoggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.WithFields(log.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"status":     ww.Status(),
					"took":       time.Since(start),
				}).Infof("%s %s %s", r.Method, r.RequestURI, r.RemoteAddr)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
