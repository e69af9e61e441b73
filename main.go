package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	configx "github.com/tanpawarit/agent-relay/pkg/config"
	logx "github.com/tanpawarit/agent-relay/pkg/logger"
	openrouterx "github.com/tanpawarit/agent-relay/pkg/openrouter"
	postgresx "github.com/tanpawarit/agent-relay/pkg/postgres"
	qstashx "github.com/tanpawarit/agent-relay/pkg/qstash"
	"github.com/tanpawarit/agent-relay/relay/classifier"
	"github.com/tanpawarit/agent-relay/relay/consumer"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/delivery"
	"github.com/tanpawarit/agent-relay/relay/gateway"
	"github.com/tanpawarit/agent-relay/relay/httpapi"
	"github.com/tanpawarit/agent-relay/relay/invoker"
	memoryx "github.com/tanpawarit/agent-relay/relay/memory"
	"github.com/tanpawarit/agent-relay/relay/queue"
	"github.com/tanpawarit/agent-relay/relay/reasoner"
	"github.com/tanpawarit/agent-relay/relay/retention"
	tracerx "github.com/tanpawarit/agent-relay/relay/tracer"
	"github.com/tanpawarit/agent-relay/relay/worker"
)

const (
	roleAll     = "all"
	roleGateway = "gateway"
	roleWorker  = "worker"
)

type AppConfig struct {
	Role string `envconfig:"ROLE" default:"all"`
	// PublicURL is where QStash reaches this process, e.g. https://relay.example.com.
	PublicURL          string `split_words:"true"`
	FailureCallbackURL string `split_words:"true"`
	ClassifierRules    string `split_words:"true"`
	TraceBuffer        int    `split_words:"true" default:"1000"`
}

func (c AppConfig) Validate() error {
	switch c.role() {
	case roleAll, roleGateway, roleWorker:
		return nil
	default:
		return fmt.Errorf("%w: unknown role %q", contractx.ErrValidation, c.Role)
	}
}

func (c AppConfig) role() string {
	return strings.ToLower(strings.TrimSpace(c.Role))
}

func main() {
	logCfg := configx.MustNew[logx.Config]("RELAY_LOG")
	logx.Init(*logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *logCfg); err != nil {
		log.Fatal().Err(err).Msg("relay exited")
	}
}

func run(ctx context.Context, logCfg logx.Config) error {
	appCfg := configx.MustNew[AppConfig]("RELAY")
	queueCfg := configx.MustNew[queue.Config]("RELAY_QUEUE")
	invokeCfg := configx.MustNew[invoker.Config]("RELAY_INVOKE")
	deliveryCfg := configx.MustNew[delivery.Config]("RELAY_DELIVERY")
	destCfg := configx.MustNew[delivery.DestinationConfig]("RELAY_DESTINATION")
	gatewayCfg := configx.MustNew[gateway.Config]("RELAY_GATEWAY")
	httpCfg := configx.MustNew[httpapi.Config]("RELAY_HTTP")
	workerCfg := configx.MustNew[worker.Config]("RELAY_WORKER")
	reasonerCfg := configx.MustNew[reasoner.Config]("RELAY_REASONER")
	retentionCfg := configx.MustNew[retention.Config]("RELAY_RETENTION")
	pgCfg := configx.MustNew[postgresx.Config]("RELAY_POSTGRES")
	redisCfg := configx.MustNew[memoryx.UpstashRedisConfig]("UPSTASH_REDIS")

	// The retry chain must finish inside one visibility window, otherwise
	// the item is redelivered while it is still being worked on.
	if err := invokeCfg.Validate(queueCfg.VisibilityTimeout); err != nil {
		return err
	}

	traceSink := tracerx.NonBlockingWriter(os.Stdout, appCfg.TraceBuffer)
	defer traceSink.Close()
	tracer := tracerx.New(logx.New(traceSink, logCfg))

	var db *bun.DB
	if strings.TrimSpace(pgCfg.DSN) != "" {
		var err error
		db, err = postgresx.Open(ctx, *pgCfg)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
	}

	q, err := buildQueue(ctx, appCfg, *queueCfg, db)
	if err != nil {
		return err
	}

	ledger, err := buildLedger(ctx, db)
	if err != nil {
		return err
	}

	store, err := buildMemoryStore(*redisCfg)
	if err != nil {
		return err
	}

	var openRouterCfg openrouterx.Config
	var anthropicCfg reasoner.AnthropicConfig
	switch strings.ToLower(strings.TrimSpace(reasonerCfg.Provider)) {
	case reasoner.ProviderAnthropic:
		anthropicCfg = *configx.MustNew[reasoner.AnthropicConfig]("ANTHROPIC")
	default:
		openRouterCfg = *configx.MustNew[openrouterx.Config]("OPENROUTER")
	}
	agent, err := reasoner.Build(*reasonerCfg, openRouterCfg, anthropicCfg, store, logx.Component("reasoner"))
	if err != nil {
		return fmt.Errorf("build reasoner: %w", err)
	}

	inv, err := invoker.New(agent, *invokeCfg, queueCfg.VisibilityTimeout,
		invoker.WithDeliveryReserve(deliveryCfg.MaxDuration()),
		invoker.WithTracer(tracer),
		invoker.WithLogger(logx.Component("invoker")),
	)
	if err != nil {
		return err
	}

	rules := classifier.DefaultRules
	if strings.TrimSpace(appCfg.ClassifierRules) != "" {
		if rules, err = classifier.ParseRules(appCfg.ClassifierRules); err != nil {
			return err
		}
	}
	cls, err := classifier.New(rules)
	if err != nil {
		return err
	}

	mgr, err := delivery.NewManager(destCfg.Destinations(), ledger, *deliveryCfg,
		delivery.WithTracer(tracer),
		delivery.WithLogger(logx.Component("delivery")),
	)
	if err != nil {
		return err
	}

	proc, err := consumer.New(inv, cls, mgr, ledger,
		consumer.WithTracer(tracer),
		consumer.WithLogger(logx.Component("consumer")),
	)
	if err != nil {
		return err
	}

	admission, err := gateway.NewService(q.enqueuer, *gatewayCfg,
		gateway.WithTracer(tracer),
		gateway.WithLogger(logx.Component("gateway")),
	)
	if err != nil {
		return err
	}

	serverOpts := []httpapi.Option{
		httpapi.WithLogger(logx.Component("http")),
		httpapi.WithTracer(tracer),
		httpapi.WithDeadLetters(q.deadLetters),
	}
	role := appCfg.role()
	if q.push != nil && role != roleGateway {
		push, err := worker.NewPushHandler(q.verifier, q.push.WorkerURL(), proc,
			worker.WithPushTracer(tracer),
			worker.WithPushLogger(logx.Component("worker")),
		)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, httpapi.WithPushHandler(push))
		// QStash holds the request open for the whole invocation.
		if httpCfg.WriteTimeout < queueCfg.VisibilityTimeout {
			httpCfg.WriteTimeout = queueCfg.VisibilityTimeout
		}
	}
	server, err := httpapi.NewServer(*httpCfg, admission, ledger, serverOpts...)
	if err != nil {
		return err
	}

	sweeper, err := retention.New(*retentionCfg, ledger,
		retention.WithDeadLetters(q.deadLetters),
		retention.WithLogger(logx.Component("retention")),
	)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop(context.Background())

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	if q.source != nil && role != roleGateway {
		pool, err := worker.NewPool(q.source, proc, *workerCfg, *queueCfg,
			worker.WithTracer(tracer),
			worker.WithLogger(logx.Component("worker")),
		)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(pool.Run(ctx))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		fail(server.Run(ctx))
	}()

	log.Info().
		Str("role", role).
		Str("queue", queueCfg.Backend).
		Str("reasoner", reasonerCfg.Provider).
		Msg("relay started")

	wg.Wait()
	if q.closer != nil {
		_ = q.closer()
	}
	return runErr
}

// queueParts exposes the halves of the configured backend. Pull backends
// set source; the QStash backend sets push and verifier instead.
type queueParts struct {
	enqueuer    contractx.Enqueuer
	deadLetters retention.DeadLetterSource
	source      worker.Source
	push        *queue.QStash
	verifier    worker.SignatureVerifier
	closer      func() error
}

func buildQueue(ctx context.Context, appCfg *AppConfig, cfg queue.Config, db *bun.DB) (queueParts, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "postgres":
		if db == nil {
			return queueParts{}, fmt.Errorf("%w: postgres queue needs RELAY_POSTGRES_DSN", contractx.ErrValidation)
		}
		pq, err := queue.NewPostgres(db, cfg)
		if err != nil {
			return queueParts{}, err
		}
		if err := pq.Migrate(ctx); err != nil {
			return queueParts{}, fmt.Errorf("migrate queue: %w", err)
		}
		return queueParts{enqueuer: pq, deadLetters: pq, source: pq}, nil

	case "qstash":
		qsCfg := configx.MustNew[qstashx.Config]("QSTASH")
		client, err := qstashx.NewClient(*qsCfg)
		if err != nil {
			return queueParts{}, err
		}
		verifier, err := client.Verifier()
		if err != nil {
			return queueParts{}, err
		}
		base := strings.TrimRight(strings.TrimSpace(appCfg.PublicURL), "/")
		if base == "" {
			return queueParts{}, fmt.Errorf("%w: qstash queue needs RELAY_PUBLIC_URL", contractx.ErrValidation)
		}
		qq, err := queue.NewQStash(client, base+"/v1/worker/qstash", cfg)
		if err != nil {
			return queueParts{}, err
		}
		qq.WithFailureCallback(appCfg.FailureCallbackURL)
		return queueParts{enqueuer: qq, deadLetters: qq, push: qq, verifier: verifier}, nil

	default:
		if appCfg.role() != roleAll {
			return queueParts{}, fmt.Errorf("%w: memory queue only works with RELAY_ROLE=all", contractx.ErrValidation)
		}
		mq := queue.NewMemory(cfg)
		return queueParts{enqueuer: mq, deadLetters: mq, source: mq, closer: mq.Close}, nil
	}
}

func buildLedger(ctx context.Context, db *bun.DB) (contractx.DeliveryLedger, error) {
	if db == nil {
		return delivery.NewMemoryLedger(), nil
	}
	ledger, err := delivery.NewPostgresLedger(db)
	if err != nil {
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return ledger, nil
}

func buildMemoryStore(cfg memoryx.UpstashRedisConfig) (memoryx.Store, error) {
	if !cfg.Enabled() {
		log.Warn().Msg("UPSTASH_REDIS_URL not set; conversation memory is process-local")
		return memoryx.NewLocalStore(cfg.Retention), nil
	}
	return memoryx.NewUpstashRedisStore(cfg, memoryx.WithTTL(cfg.Retention))
}
