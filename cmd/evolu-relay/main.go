// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command evolu-relay runs a sync relay: it accepts WebSocket
// connections from clients, drives the §4.9 Responder state machine
// against a SQLite-backed skiplist store, and optionally fans writes out
// to other relay instances over NATS.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	gorillaws "github.com/gorilla/websocket"

	"github.com/evoluhq/evolu-go/internal/config"
	"github.com/evoluhq/evolu-go/internal/metrics"
	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/scheduler"
	"github.com/evoluhq/evolu-go/internal/skipstore"
	"github.com/evoluhq/evolu-go/internal/storage"
	"github.com/evoluhq/evolu-go/internal/syncengine"
	"github.com/evoluhq/evolu-go/internal/transport"
	"github.com/evoluhq/evolu-go/pkg/log"
	natsclient "github.com/evoluhq/evolu-go/pkg/nats"
	"github.com/evoluhq/evolu-go/pkg/runtimeEnv"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	var flagConfigFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default relay options with those in `config.json`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	cfg, err := config.Init(flagConfigFile)
	if err != nil {
		log.Fatal(err.Error())
	}

	db, err := storage.Open(cfg.DB)
	if err != nil {
		log.Fatal(err.Error())
	}
	store := skipstore.New(db)
	engine := syncengine.New(store)
	engine.TotalMaxSize = cfg.ProtocolMessageMaxSize
	engine.RangesMaxSize = cfg.ProtocolMessageRangesMaxSize

	var natsClient *natsclient.Client
	if cfg.NatsURL != "" {
		natsClient, err = natsclient.NewClient(&natsclient.NatsConfig{Address: cfg.NatsURL})
		if err != nil {
			log.Warnf("nats: connection failed, running single-instance: %v", err)
		}
	}
	h := newHub(transport.NewNatsBroadcaster(natsClient))

	met := metrics.New()

	sched, err := scheduler.New()
	if err != nil {
		log.Fatal(err.Error())
	}
	if err := sched.RegisterDatabaseOptimize(db, time.Hour); err != nil {
		log.Fatal(err.Error())
	}
	if err := sched.RegisterHistoryRetention(db, 30*24*time.Hour, time.Hour); err != nil {
		log.Fatal(err.Error())
	}
	sched.Start()

	r := mux.NewRouter()
	r.HandleFunc("/sync", func(w http.ResponseWriter, req *http.Request) {
		handleSync(w, req, engine, h, met)
	})
	r.Handle("/metrics", met.Handler())

	var handler http.Handler = r
	handler = handlers.CompressHandler(handler)
	handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handler)
	handler = handlers.CustomLoggingHandler(io.Discard, handler, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("%s %s (%d, %dms)", params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("evolu-relay listening at %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		server.Shutdown(context.Background())
		if err := sched.Shutdown(); err != nil {
			log.Warnf("scheduler shutdown: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		db.Close()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Info("evolu-relay: graceful shutdown complete")
}

func handleSync(w http.ResponseWriter, req *http.Request, engine *syncengine.Engine, h *hub, met *metrics.Metrics) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("evolu-relay: upgrade failed: %v", err)
		return
	}

	descriptor := req.RemoteAddr
	var t *transport.WebSocketTransport
	subs := &connSubscriptions{hub: h}
	t = transport.WrapConn(conn, descriptor, func(_ string, data []byte) {
		start := time.Now()
		resp, err := engine.ApplyAsResponder(data, subs, h.broadcaster)
		met.ObserveReconcile(time.Since(start))
		if err != nil {
			log.Warnf("evolu-relay: responder error from %s: %v", descriptor, err)
			return
		}
		if len(resp) > 0 {
			if err := t.Send(resp); err != nil {
				log.Warnf("evolu-relay: send to %s failed: %v", descriptor, err)
			}
		}
	})
	subs.send = t.Send
}

// connSubscriptions adapts one WebSocket connection's subscribe /
// unsubscribe Requests into the shared hub, forwarding any broadcast the
// hub relays for a subscribed owner straight to this connection.
type connSubscriptions struct {
	hub  *hub
	send func([]byte) error
}

func (c *connSubscriptions) Subscribe(id owner.ID) {
	c.hub.subscribe(id, c)
}

func (c *connSubscriptions) Unsubscribe(id owner.ID) {
	c.hub.unsubscribe(id, c)
}

// hub multiplexes one NATS subscription per owner across every local
// WebSocket connection subscribed to it, so a single relay process never
// opens more than one NATS subscription per owner regardless of how many
// local clients are attached.
type hub struct {
	mu          sync.Mutex
	broadcaster *transport.NatsBroadcaster
	owners      map[owner.ID]*hubOwner
}

type hubOwner struct {
	subscribers []*connSubscriptions
	unsubscribe func()
}

func newHub(broadcaster *transport.NatsBroadcaster) *hub {
	return &hub{broadcaster: broadcaster, owners: make(map[owner.ID]*hubOwner)}
}

func (h *hub) subscribe(id owner.ID, sub *connSubscriptions) {
	h.mu.Lock()
	defer h.mu.Unlock()

	o, ok := h.owners[id]
	if !ok {
		unsub, err := h.broadcaster.Subscribe(id, func(data []byte) { h.forward(id, data) })
		if err != nil {
			log.Warnf("evolu-relay: nats subscribe for owner %s failed: %v", id, err)
			return
		}
		o = &hubOwner{unsubscribe: unsub}
		h.owners[id] = o
	}
	o.subscribers = append(o.subscribers, sub)
}

func (h *hub) forward(id owner.ID, data []byte) {
	h.mu.Lock()
	o, ok := h.owners[id]
	var subs []*connSubscriptions
	if ok {
		subs = append(subs, o.subscribers...)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.send(data); err != nil {
			log.Warnf("evolu-relay: forward broadcast for owner %s failed: %v", id, err)
		}
	}
}

func (h *hub) unsubscribe(id owner.ID, sub *connSubscriptions) {
	h.mu.Lock()
	defer h.mu.Unlock()

	o, ok := h.owners[id]
	if !ok {
		return
	}
	for i, s := range o.subscribers {
		if s == sub {
			o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
			break
		}
	}
	if len(o.subscribers) == 0 {
		o.unsubscribe()
		delete(h.owners, id)
	}
}
