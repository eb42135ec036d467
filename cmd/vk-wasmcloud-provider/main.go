package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virtual-kubelet/virtual-kubelet/node"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/config"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/metrics"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/nodeapi"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/provider"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/translator"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/wasmcloud"
)

func main() {
	configPath := flag.String("config", "", "path to the provider config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
		File:        cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting vk-wasmcloud-provider", "node", cfg.Node.Name, "control_url", cfg.WasmCloud.ControlURL)

	kubeClient, err := buildKubeClient(cfg)
	if err != nil {
		log.Fatal("creating kubernetes client", err)
	}

	runtime, err := wasmcloud.NewClient(wasmcloud.Config{
		ControlURL:     cfg.WasmCloud.ControlURL,
		Timeout:        cfg.WasmCloud.Timeout,
		MaxAttempts:    cfg.WasmCloud.MaxAttempts,
		InitialBackoff: cfg.WasmCloud.InitialBackoff,
		MaxBackoff:     cfg.WasmCloud.MaxBackoff,
	})
	if err != nil {
		log.Fatal("creating wasmcloud control client", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runtime.Ping(ctx); err != nil {
		// Not fatal: the host may still be coming up and every call
		// retries anyway.
		log.Warn("wasmcloud host not reachable yet", "error", err.Error())
	} else {
		log.Info("connected to wasmcloud host")
	}

	store := provider.NewStore()
	logs := provider.NewLogBuffer(0)
	m := metrics.New()

	trans := &translator.Translator{
		Binder:   &translator.Binder{DataDir: cfg.Node.DataDir},
		Resolver: &translator.KubeResolver{Client: kubeClient},
	}

	reporter := provider.NewReporter(store, kubeClient, cfg.Status.Interval, m, log)
	reconciler := provider.NewReconciler(store, runtime, trans, kubeClient, logs, m, log,
		cfg.Reconcile.TeardownTimeout, reporter.Notify)
	watcher := provider.NewWatcher(kubeClient, cfg.Node.Name, cfg.Reconcile.ResyncInterval,
		store, log, reconciler.Enqueue, reconciler.CancelInFlight)

	// The startup list doubles as the node identity check; a rejection
	// here is fatal.
	if err := watcher.Validate(ctx); err != nil {
		log.Fatal("node identity rejected by the cluster", err)
	}

	p, err := provider.NewProvider(cfg.Node.Name, cfg.Node.ListenPort, runtime, runtime, store, logs)
	if err != nil {
		log.Fatal("creating provider", err)
	}

	tlsConfig, err := nodeapi.LoadIdentity(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile)
	if err != nil {
		log.Fatal("loading node-agent TLS identity", err)
	}
	apiServer := nodeapi.NewServer(p, m.Registry, tlsConfig, cfg.Node.ListenPort, log)

	nodeCtrl, err := node.NewNodeController(
		node.NaiveNodeProvider{},
		p.GetNode(),
		kubeClient.CoreV1().Nodes(),
	)
	if err != nil {
		log.Fatal("creating node controller", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := nodeCtrl.Run(ctx); err != nil {
			errCh <- fmt.Errorf("node controller: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Run(ctx); err != nil {
			errCh <- fmt.Errorf("node-agent API: %w", err)
		}
	}()
	go watcher.Run(ctx)
	go reporter.Run(ctx)

	reconcilerDone := make(chan struct{})
	go func() {
		reconciler.Run(ctx, cfg.Reconcile.Workers)
		close(reconcilerDone)
	}()

	log.Info("virtual node registered", "node", cfg.Node.Name, "listen_port", cfg.Node.ListenPort)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("component failed", err)
	}

	cancel()
	// Wait for the reconciler to drain its queue, bounded by the grace
	// period.
	select {
	case <-reconcilerDone:
	case <-time.After(cfg.Reconcile.ShutdownGrace):
		log.Warn("reconciler did not drain within the shutdown grace period",
			"grace", cfg.Reconcile.ShutdownGrace.String())
	}
	log.Info("shutdown complete")
}

func buildKubeClient(cfg *config.Config) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubernetes.InCluster && cfg.Kubernetes.ConfigPath == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.ConfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes rest config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}
