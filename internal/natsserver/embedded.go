package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName       = "loqa-scribe"
	defaultStoreDir  = "./data/nats"
	defaultPayloadMB = 8
	readyTimeout     = 5 * time.Second
)

// EmbeddedServer is an in-process JetStream broker carrying recognition
// requests and result events for a single scribed instance.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when embedded mode is off. A port of -1 picks a free
// port; ClientURL reports the one chosen.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}
	payloadMB := cfg.MaxPayloadMB
	if payloadMB <= 0 {
		payloadMB = defaultPayloadMB
	}

	opts := &server.Options{
		ServerName: serverName,
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		MaxPayload: int32(payloadMB << 20),
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("recognition broker listening",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir),
		slog.Int("max_payload_mb", payloadMB))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown waits for in-flight JetStream writes before returning.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping recognition broker")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
