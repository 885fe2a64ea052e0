// Command server wires the temporal entity store, tool and entity-type
// registries, subscription engine, JSON-RPC dispatcher, and WebSocket
// transport into a runnable process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lumenize/lumenize-sub005/internal/actor"
	"github.com/lumenize/lumenize-sub005/internal/config"
	"github.com/lumenize/lumenize-sub005/internal/mcp"
	"github.com/lumenize/lumenize-sub005/internal/queue"
	"github.com/lumenize/lumenize-sub005/internal/registry"
	"github.com/lumenize/lumenize-sub005/internal/store"
	"github.com/lumenize/lumenize-sub005/internal/subscription"
	"github.com/lumenize/lumenize-sub005/internal/transport"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dsn := flag.String("db-dsn", "", "postgres DSN (jackc/pgx stdlib driver)")
	toolsConfig := flag.String("tools-config", "", "path to the YAML tool-route configuration")
	amqpURL := flag.String("amqp-url", "", "RabbitMQ URL; selects RabbitMQ for cross-process fanout when set")
	amqpExchange := flag.String("amqp-exchange", "ocan-notifications", "RabbitMQ topic exchange for fanout")
	amqpPoolSize := flag.Int("amqp-pool-size", 4, "pooled RabbitMQ channel count")
	sqsRegion := flag.String("sqs-region", "", "AWS region; selects SQS for cross-process fanout when set and -amqp-url is not")
	sqsEndpoint := flag.String("sqs-endpoint", "", "custom SQS endpoint (LocalStack)")
	sqsNamespace := flag.String("sqs-namespace", "default", "SQS queue-name namespace")
	flag.Parse()

	log := slog.Default()

	if *dsn == "" {
		log.Error("missing required -db-dsn")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := transport.NewHub()

	validator := registry.NewJSONSchemaValidator()
	entityTypes := registry.NewEntityTypeRegistry(db)

	notifier := &lazyNotifier{}
	entityStore := store.New(db, validator, entityTypes, notifier)

	fanout, err := fanoutClient(ctx, *amqpURL, *amqpExchange, *amqpPoolSize, *sqsRegion, *sqsEndpoint, *sqsNamespace, log)
	if err != nil {
		log.Error("connect fanout transport", "error", err)
		os.Exit(1)
	}

	var remoteConns subscription.ConnectionIndex
	if fanout != nil {
		defer fanout.Close()
		remoteConns = &singleClientIndex{client: fanout}
		// Consuming leg: drain the queues of subscribers whose sockets
		// live on this node and forward each notification locally.
		go queue.NewConsumer(fanout, hub, hubDeliverer{hub: hub}, log).Run(ctx)
	}

	conns := &mergedConnectionIndex{local: hub, remote: remoteConns}
	subs := subscription.NewWithDB(entityStore, conns, db)
	notifier.engine = subs

	tools := registry.NewToolRegistry(validator)
	if *toolsConfig != "" {
		if err := wireTools(tools, *toolsConfig, db); err != nil {
			log.Error("load tool route configuration", "error", err)
			os.Exit(1)
		}
	}

	dispatcher := mcp.New(tools, entityTypes, entityStore, subs)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := transport.Serve(w, r, hub, dispatcher, subs, log); err != nil {
			log.Warn("websocket session ended", "error", err)
		}
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// lazyNotifier breaks the store/subscription construction cycle: the store
// needs a ChangeNotifier before the subscription engine (which needs the
// store) exists, so this forwards to whichever engine is set afterward.
type lazyNotifier struct {
	engine *subscription.Engine
}

func (n *lazyNotifier) NotifyEntityChanged(ctx context.Context, newSnap store.Snapshot, oldValue json.RawMessage, oldValidFrom *time.Time) {
	if n.engine == nil {
		return
	}
	n.engine.NotifyEntityChanged(ctx, newSnap, oldValue, oldValidFrom)
}

// mergedConnectionIndex checks locally-held sockets first and falls back to
// the cross-process queue transport, so fanout reaches a subscriber
// whichever node owns their live connection.
type mergedConnectionIndex struct {
	local  *transport.Hub
	remote subscription.ConnectionIndex
}

func (m *mergedConnectionIndex) ConnectionsFor(subscriberID string) []subscription.Connection {
	if local := m.local.ConnectionsFor(subscriberID); len(local) > 0 {
		return local
	}
	if m.remote != nil {
		return m.remote.ConnectionsFor(subscriberID)
	}
	return nil
}

type singleClientIndex struct {
	client queue.Client
}

func (s *singleClientIndex) ConnectionsFor(subscriberID string) []subscription.Connection {
	return []subscription.Connection{queue.NewRemoteConnection(s.client, subscriberID)}
}

// hubDeliverer implements queue.Deliverer by forwarding a consumed
// notification to every local socket the subscriber holds.
type hubDeliverer struct {
	hub *transport.Hub
}

func (h hubDeliverer) Deliver(ctx context.Context, subscriberID, method string, params any) {
	for _, conn := range h.hub.ConnectionsFor(subscriberID) {
		conn.Notify(ctx, method, params)
	}
}

// fanoutClient selects the cross-process fanout broker: RabbitMQ when
// -amqp-url is set, SQS when -sqs-region is, nil (single-node deployment)
// when neither.
func fanoutClient(ctx context.Context, amqpURL, exchange string, poolSize int, sqsRegion, sqsEndpoint, sqsNamespace string, log *slog.Logger) (queue.Client, error) {
	switch {
	case amqpURL != "":
		client, err := queue.NewRabbitMQClientPooled(amqpURL, exchange, poolSize, queue.WithLogger(log))
		if err != nil {
			return nil, err
		}
		log.Info("cross-process fanout enabled", "broker", "rabbitmq", "exchange", exchange, "poolSize", poolSize)
		return client, nil
	case sqsRegion != "":
		client, err := queue.NewSQSClient(ctx, queue.SQSConfig{
			Region:    sqsRegion,
			Endpoint:  sqsEndpoint,
			Namespace: sqsNamespace,
		})
		if err != nil {
			return nil, err
		}
		log.Info("cross-process fanout enabled", "broker", "sqs", "region", sqsRegion, "namespace", sqsNamespace)
		return client, nil
	default:
		return nil, nil
	}
}

func wireTools(tools *registry.ToolRegistry, path string, db *sql.DB) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	resultTTL := cfg.ResultTTL()
	resolve := func(callee envelope.Identity) (envelope.Stub, error) {
		instanceNameOrId := callee.InstanceNameOrId
		// A service registered under the binding name becomes the chain
		// execution target, so tool routes reach that service's methods
		// rather than only the bare actor base.
		var self any
		if svc, ok := actor.Service(callee.BindingName); ok {
			self = svc
		}
		base := actor.NewBase(self, actor.NewSQLStorage(db, callee.BindingName, instanceNameOrId), resultTTL)
		if err := base.Init(context.Background(), callee.BindingName, instanceNameOrId); err != nil {
			return nil, err
		}
		return base, nil
	}

	return cfg.RegisterTools(tools, resolve)
}
