// Command taskserver runs the Funtonic taskserver: the peer executors and
// commanders both connect to (spec.md section 3).
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/zenria/funtonic/internal/admin"
	"github.com/zenria/funtonic/internal/audit"
	"github.com/zenria/funtonic/internal/config"
	"github.com/zenria/funtonic/internal/dispatcher"
	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/logging"
	"github.com/zenria/funtonic/internal/metrics"
	"github.com/zenria/funtonic/internal/observability"
	"github.com/zenria/funtonic/internal/predicate"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/replaycache"
	"github.com/zenria/funtonic/internal/resultrouter"
	"github.com/zenria/funtonic/internal/rpc"
	"github.com/zenria/funtonic/internal/signing"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskserver",
		Short: "Funtonic taskserver: executor registry, dispatcher, and admin RPC",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env and flags override)")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		bindAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the taskserver gRPC daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bind") {
				cfg.GRPC.BindAddress = bindAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Logging.AuditLog != "" {
				if err := logging.Audit().SetOutput(cfg.Observability.Logging.AuditLog); err != nil {
					return fmt.Errorf("open audit log: %w", err)
				}
			}

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: "funtonic-taskserver",
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(ctx)
			metrics.Init(cfg.Observability.Metrics.Namespace)

			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "bind", "", "gRPC bind address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store)
	matcher := predicate.Default{}

	replay, err := openReplayCache(cfg)
	if err != nil {
		return fmt.Errorf("open replay cache: %w", err)
	}

	authKeys := registry.UnionResolver(store, reg)
	disp := dispatcher.New(reg, matcher, authKeys, replay, store)
	reg.AddObserver(disp)
	adm :=admin.New(store, reg, matcher, disp, replay)

	router := resultrouter.New(disp, replay)

	var auditBatcher *audit.Batcher
	if cfg.Admin.AuditDSN != "" {
		sink, err := audit.NewPostgresSink(ctx, cfg.Admin.AuditDSN)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		defer sink.Close()
		auditBatcher = audit.NewBatcher(sink, audit.BatcherConfig{
			BatchSize:     cfg.Admin.AuditBatchSize,
			BufferSize:    cfg.Admin.AuditBufferSize,
			FlushInterval: cfg.Admin.AuditFlush,
			Timeout:       cfg.Admin.AuditTimeout,
			MaxRetries:    cfg.Admin.AuditMaxRetries,
		})
		defer auditBatcher.Shutdown(10 * time.Second)
		disp.SetAuditSink(auditBatcher)
	}

	server := rpc.NewServer(reg, disp, adm, router, replay, time.Duration(cfg.Replay.WindowSecs)*time.Second)

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		creds, err := loadServerTLS(cfg.TLS)
		if err != nil {
			return fmt.Errorf("load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	server.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.BindAddress, err)
	}

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logging.Op().Info("taskserver listening", "addr", cfg.GRPC.BindAddress)
		if err := grpcServer.Serve(lis); err != nil {
			logging.Op().Error("gRPC server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Op().Info("shutdown signal received")

	grpcServer.GracefulStop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*keystore.Store, error) {
	var staticKeys []domain.AuthorizedKey
	for _, k := range cfg.KeyStore.AuthorizedKeys {
		pub, err := k.Decode()
		if err != nil {
			return nil, err
		}
		staticKeys = append(staticKeys, domain.AuthorizedKey{KeyID: k.KeyID, PublicKey: pub, Source: domain.SourceStatic})
	}
	var adminKeys []domain.AdminAuthorizedKey
	for _, k := range cfg.KeyStore.AdminKeys {
		pub, err := k.Decode()
		if err != nil {
			return nil, err
		}
		adminKeys = append(adminKeys, domain.AdminAuthorizedKey{KeyID: k.KeyID, PublicKey: pub})
	}
	if len(adminKeys) == 0 && cfg.Auth.BootstrapAdminKeyID != "" {
		// First-run bootstrap: an otherwise-empty admin set would leave no
		// key able to sign approveExecutorKey, so seed one from config.
		pub, err := hex.DecodeString(cfg.Auth.BootstrapAdminPublicKey)
		if err != nil {
			return nil, fmt.Errorf("bootstrap admin key %s has invalid hex public key: %w", cfg.Auth.BootstrapAdminKeyID, err)
		}
		adminKeys = append(adminKeys, domain.AdminAuthorizedKey{KeyID: cfg.Auth.BootstrapAdminKeyID, PublicKey: pub})
	}

	var opts []keystore.Option
	if cfg.KeyStore.KMSKeyID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KeyStore.KMSRegion))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
			if cfg.KeyStore.KMSRegion != "" {
				o.Region = cfg.KeyStore.KMSRegion
			}
		})
		opts = append(opts, keystore.WithEnvelopeCipher(keystore.NewKMSCipher(client, cfg.KeyStore.KMSKeyID)))
	}

	return keystore.Open(cfg.KeyStore.DataFile, staticKeys, adminKeys, opts...)
}

func openReplayCache(cfg *config.Config) (signing.ReplayCache, error) {
	switch cfg.Replay.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Replay.RedisAddr})
		return replaycache.NewRedis(client, "funtonic:replay:"), nil
	default:
		return replaycache.NewMemory(), nil
	}
}

func loadServerTLS(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return credentials.NewTLS(tlsCfg), nil
}
