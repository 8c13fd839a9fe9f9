package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/crash-services/configs"
	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/nats"
	"github.com/avvvet/crash-services/internal/socketsvc/broker"
	"github.com/avvvet/crash-services/internal/socketsvc/handlers"
	"github.com/avvvet/crash-services/internal/socketsvc/routes"
	"github.com/avvvet/crash-services/internal/socketsvc/ws"
)

const SERVICE_NAME = "socket"

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId := config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

func main() {
	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "_service")
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}

	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	port := os.Getenv("SOCKET_SERVICE_PORT")
	if port == "" {
		port = "8081"
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware, no Timeout here as it would cut long lived sockets
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	// to protect the service api from any over requests
	rateLimit := 300
	if raw := os.Getenv("RATE_LIMIT"); raw != "" {
		if rateLimit, err = strconv.Atoi(raw); err != nil {
			log.Fatalf("Invalid RATE_LIMIT value: %v", err)
		}
	}
	r.Use(httprate.LimitByIP(rateLimit, 1*time.Minute))

	s := ws.NewWs()
	s.Commander = n.Conn

	h := handlers.NewHandler(s, port, config.AllowedOrigins())
	routes.SetRoutes(r, h)

	b := broker.NewBroker(n.Conn, s)

	// every socket service receives every state update
	sub, err := b.Subscribe(comm.TopicGameService)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to %s %v", comm.TopicGameService, err)
	}

	// ask for the current round so early sockets are not empty handed
	go primeState(n, s)

	// no write timeout, sockets are long lived
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}

func primeState(n *nats.Nats, s *ws.Ws) {
	req := []byte(`{"type":"` + comm.GetState + `","data":{}}`)
	reply, err := n.Conn.Request(comm.TopicGameCommand, req, 5*time.Second)
	if err != nil {
		log.Warnf("unable to fetch initial state: %v", err)
		return
	}
	var msg comm.WSMessage
	if err := jsoniter.Unmarshal(reply.Data, &msg); err != nil || msg.Type != comm.GameStateUpdate {
		log.Warnf("no initial state available (%s)", msg.Type)
		return
	}
	s.Broadcast(comm.GameStateUpdate, reply.Data)
}
