package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	miocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	mio "github.com/you-humble/framesync/core/libs/minio"
	natsq "github.com/you-humble/framesync/core/libs/nats"
	rediscli "github.com/you-humble/framesync/core/libs/redis"
	"github.com/you-humble/framesync/uploader/internal/domain"
	"github.com/you-humble/framesync/uploader/internal/infra/config"
	"github.com/you-humble/framesync/uploader/internal/infra/credentials"
	"github.com/you-humble/framesync/uploader/internal/infra/events"
	"github.com/you-humble/framesync/uploader/internal/infra/metadata"
	"github.com/you-humble/framesync/uploader/internal/infra/objectstore"
	"github.com/you-humble/framesync/uploader/internal/infra/scanner"
	"github.com/you-humble/framesync/uploader/internal/infra/store/kv"
	resumestore "github.com/you-humble/framesync/uploader/internal/infra/store/resume"
	submissionstore "github.com/you-humble/framesync/uploader/internal/infra/store/submission"
	"github.com/you-humble/framesync/uploader/internal/orchestrator"
	"github.com/you-humble/framesync/uploader/internal/reconciler"
	"github.com/you-humble/framesync/uploader/internal/registry"
	"github.com/you-humble/framesync/uploader/internal/transport"
)

const DefaultConfigPath = "./uploader/configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
	Handler() http.Handler
}

type SubmissionStore interface {
	orchestrator.SubmissionStore
	transport.Submissions
	reconciler.SubmissionStore
}

type ResumeStore interface {
	orchestrator.ResumeStore
}

type Uploader interface {
	transport.Uploader
	Upload(ctx context.Context, id string) error
	Close()
}

type Reconciler interface {
	Run(ctx context.Context) error
	Reconcile(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, sub domain.Submission)
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	redis *redis.Client
	kv    kv.Store

	submissions SubmissionStore
	resume      ResumeStore

	creds     *miocreds.Credentials
	minio     *minio.Client
	objects   orchestrator.ObjectStore
	refresher orchestrator.Refresher

	metadataConn *grpc.ClientConn
	metadata     orchestrator.Metadata

	natsConn  *nats.Conn
	js        nats.JetStreamContext
	publisher Publisher

	promRegistry *prometheus.Registry
	metrics      *orchestrator.Metrics

	registry   *registry.Registry
	uploader   Uploader
	reconciler Reconciler
	router     Router
}

func newDI(cfgPath string) *dependencyInjector {
	if cfgPath == "" {
		cfgPath = DefaultConfigPath
	}
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(di.Config().LogLevel)); err != nil {
			level = slog.LevelInfo
		}
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) RedisClient() *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(rediscli.Config{
			Addr:     cfg.Addr,
			User:     cfg.User,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) KV() kv.Store {
	if di.kv == nil {
		cfg := di.Config().Store
		switch cfg.Backend {
		case config.StoreRedis:
			di.kv = kv.NewRedisStore(di.RedisClient(), cfg.Namespace)
		default:
			local, err := kv.NewLocalStore(cfg.LocalDir)
			if err != nil {
				log.Fatalf("local store: %+v", err)
			}
			di.kv = local
		}
		di.Logger().Info("initialized state store", slog.String("backend", cfg.Backend))
	}
	return di.kv
}

func (di *dependencyInjector) SubmissionStore() SubmissionStore {
	if di.submissions == nil {
		di.submissions = submissionstore.New(di.KV())
	}
	return di.submissions
}

func (di *dependencyInjector) ResumeStore() ResumeStore {
	if di.resume == nil {
		di.resume = resumestore.New(di.KV())
	}
	return di.resume
}

func (di *dependencyInjector) minioConfig() mio.Config {
	cfg := di.Config().MinIO
	return mio.Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		UseSSL:          cfg.UseSSL,
		Bucket:          cfg.Bucket,
		Credentials: mio.CredentialsConfig{
			Source:          cfg.CredentialsSource,
			STSEndpoint:     cfg.STSEndpoint,
			RoleARN:         cfg.RoleARN,
			RoleSessionName: cfg.RoleSessionName,
			DurationSeconds: cfg.DurationSeconds,
		},
	}
}

// Credentials are shared by the MinIO client and the refresher, so expiring
// them makes the client fetch a fresh token on its next request.
func (di *dependencyInjector) Credentials() *miocreds.Credentials {
	if di.creds == nil {
		creds, err := mio.NewCredentials(di.minioConfig())
		if err != nil {
			log.Fatalf("MinIO credentials: %+v", err)
		}
		di.creds = creds
	}
	return di.creds
}

func (di *dependencyInjector) MinIOClient(ctx context.Context) *minio.Client {
	if di.minio == nil {
		cfg := di.minioConfig()
		client, err := mio.NewClient(ctx, cfg, di.Credentials())
		if err != nil {
			log.Fatalf("MinIO client: %+v", err)
		}
		di.minio = client
		di.Logger().Info("initialized MinIO client",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("bucket", cfg.Bucket),
		)
	}
	return di.minio
}

func (di *dependencyInjector) ObjectStore(ctx context.Context) orchestrator.ObjectStore {
	if di.objects == nil {
		di.objects = objectstore.NewMinIOStore(di.MinIOClient(ctx), di.Config().MinIO.Bucket)
	}
	return di.objects
}

func (di *dependencyInjector) Refresher() orchestrator.Refresher {
	if di.refresher == nil {
		cfg := di.Config()
		provider, err := credentials.NewMinIOProvider(
			di.Credentials(),
			cfg.MinIO.AccessKeyID,
			cfg.Credentials.IdentityID,
		)
		if err != nil {
			log.Fatalf("identity provider: %+v", err)
		}
		di.refresher = credentials.NewRefresher(
			provider,
			di.ResumeStore(),
			cfg.Credentials.RefreshInterval,
			cfg.Credentials.RefreshCooldown,
		).WithObserver(di.Metrics())
	}
	return di.refresher
}

func (di *dependencyInjector) Metadata() orchestrator.Metadata {
	if di.metadata == nil {
		cfg := di.Config().Metadata
		if cfg.Addr == "" {
			di.Logger().Warn("metadata service not configured, files upload without records")
			di.metadata = metadata.NewNopClient()
			return di.metadata
		}

		conn, err := metadata.NewConnection(cfg.Addr,
			grpc.WithUnaryInterceptor(metadata.UnaryLoggingInterceptor(di.Logger())),
		)
		if err != nil {
			log.Fatalf("metadata service: %+v", err)
		}
		di.metadataConn = conn
		di.metadata = metadata.NewClient(conn, cfg.Timeout)
	}
	return di.metadata
}

func (di *dependencyInjector) NATSConn() *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          "framesync-uploader",
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: cfg.ReconnectWait,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream() nats.JetStreamContext {
	if di.js == nil {
		js, err := natsq.NewJetStream(di.NATSConn(), &nats.StreamConfig{
			Name:     events.StreamName,
			Subjects: []string{di.Config().NATS.Subject + ".>"},
			Storage:  nats.FileStorage,
			Replicas: 1,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}
		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Publisher() Publisher {
	if di.publisher == nil {
		if di.Config().NATS.URL == "" {
			di.publisher = events.NewNopPublisher()
			return di.publisher
		}
		di.publisher = events.NewPublisher(di.JetStream(), di.Config().NATS.Subject)
	}
	return di.publisher
}

func (di *dependencyInjector) PromRegistry() *prometheus.Registry {
	if di.promRegistry == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		di.promRegistry = reg
	}
	return di.promRegistry
}

func (di *dependencyInjector) Metrics() *orchestrator.Metrics {
	if di.metrics == nil {
		di.metrics = orchestrator.MustNewMetrics(di.PromRegistry())
	}
	return di.metrics
}

func (di *dependencyInjector) Registry() *registry.Registry {
	if di.registry == nil {
		di.registry = registry.New(di.Config().Upload.Preempt())
	}
	return di.registry
}

func (di *dependencyInjector) Uploader(ctx context.Context) Uploader {
	if di.uploader == nil {
		cfg := di.Config()
		o, err := orchestrator.New(orchestrator.Dependencies{
			Submissions:    di.SubmissionStore(),
			Resume:         di.ResumeStore(),
			Scanner:        scanner.New(cfg.Upload.Extensions, scanner.StatusFileName),
			Refresher:      di.Refresher(),
			Objects:        di.ObjectStore(ctx),
			Metadata:       di.Metadata(),
			Publisher:      di.Publisher(),
			Registry:       di.Registry(),
			Metrics:        di.Metrics(),
			ProcessingRoot: cfg.ProcessingRoot,
			MaxRetries:     cfg.Upload.MaxRetries,
			RetryBaseDelay: cfg.Upload.RetryBaseDelay,
		})
		if err != nil {
			log.Fatalf("orchestrator: %+v", err)
		}
		di.uploader = o
		di.Logger().Info("initialized upload orchestrator",
			slog.String("processing_root", cfg.ProcessingRoot),
			slog.Bool("preempt_active", cfg.Upload.Preempt()),
			slog.Int("max_retries", cfg.Upload.MaxRetries),
		)
	}
	return di.uploader
}

func (di *dependencyInjector) Reconciler(ctx context.Context) Reconciler {
	if di.reconciler == nil {
		di.reconciler = di.newReconciler(di.Uploader(ctx))
	}
	return di.reconciler
}

func (di *dependencyInjector) newReconciler(starter reconciler.Starter) Reconciler {
	cfg := di.Config()
	return reconciler.New(
		cfg.ReconcileInterval,
		cfg.ProcessingRoot,
		di.SubmissionStore(),
		di.ResumeStore(),
		starter,
		di.Registry(),
		di.Publisher(),
	)
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(
			transport.NewHandler(di.SubmissionStore(), di.Uploader(ctx)),
			di.PromRegistry(),
		)
	}
	return di.router
}

// Close releases connections in reverse order of use. Safe to call on a
// partially built container.
func (di *dependencyInjector) Close() {
	if di.uploader != nil {
		di.uploader.Close()
	}
	if di.natsConn != nil {
		if err := di.natsConn.Drain(); err != nil {
			slog.Warn("NATS drain", slog.String("error", err.Error()))
		}
	}
	if di.metadataConn != nil {
		if err := di.metadataConn.Close(); err != nil {
			slog.Warn("metadata connection close", slog.String("error", err.Error()))
		}
	}
	if di.redis != nil {
		if err := di.redis.Close(); err != nil {
			slog.Warn("redis close", slog.String("error", err.Error()))
		}
	}
}
