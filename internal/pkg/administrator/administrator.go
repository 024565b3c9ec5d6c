package administrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"tablegate/internal/pkg/classifier"
	"tablegate/internal/pkg/config"
	"tablegate/internal/pkg/dom"
	"tablegate/internal/pkg/gate"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/processor"
	"tablegate/internal/pkg/queue"
	"tablegate/internal/pkg/rehydrate"
	"tablegate/internal/pkg/remote"
	"tablegate/internal/pkg/store"
	"tablegate/internal/pkg/taskcache"
	"tablegate/internal/pkg/worker"
)

// Administrator interface
type Administrator interface {
	SubmitDocument(ctx context.Context, scope, documentID string, body io.Reader) (models.Notification, bool, error)
	RenderDocument(scope, documentID string, w io.Writer) error
	ProcessDocument(ctx context.Context, scope, documentID string) (processor.Summary, error)
	DropScope(ctx context.Context, scope string) (int, error)
	Record(ctx context.Context, scope, sig string) (models.CacheRecord, error)
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Start()
	StartService(port string) error
	Handler() http.Handler
	Stop()
	QueueDepth() int
	WorkerCount() int
	StartTime() time.Time
}

// Implementation of the Administrator interface
type administrator struct {
	config     *config.Config
	store      store.Store
	cache      *taskcache.Cache
	gate       *gate.Gate
	registry   *dom.Registry
	queue      *queue.Queue
	processor  processor.Processor
	workerPool *worker.WorkerPool
	sweeper    *worker.Sweeper
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	bg     conc.WaitGroup

	serverMu sync.Mutex
	server   *http.Server
	stopOnce sync.Once
}

// Creates a new instance of an Administrator with a config
func New(cfg *config.Config) (Administrator, error) {
	rules, err := classifier.ParseRules(cfg.ClassifierRules)
	if err != nil {
		return nil, fmt.Errorf("classifier rules: %w", err)
	}
	tableClassifier, err := classifier.New(rules)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	notificationQueue, err := queue.CreateQueue(cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	backing, err := store.Open(ctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: %w", err)
	}

	cache := taskcache.New(backing)
	registry := dom.NewRegistry(ctx, tableClassifier.Classify)
	invocationGate := gate.New(cache)
	proc := processor.NewProcessor(registry, invocationGate, rehydrate.NewApplier(), remote.NewClientFromConfig(cfg))

	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	logger.Log.Info("Administrator ready",
		zap.String("store_backend", cfg.StoreBackend),
		zap.Strings("categories", tableClassifier.Categories()),
		zap.Int("workers", numWorkers))

	return &administrator{
		config:     cfg,
		store:      backing,
		cache:      cache,
		gate:       invocationGate,
		registry:   registry,
		queue:      notificationQueue,
		processor:  proc,
		workerPool: worker.NewWorkerPool(numWorkers, notificationQueue, proc),
		sweeper:    worker.NewSweeper(cache, registry, notificationQueue, cfg.RecordMaxAge, cfg.SweepInterval),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Stores or replaces a document and queues it for processing. The bool
// reports false when a notification for the document was already waiting.
// When the queue refuses the notification the registry is left as it was.
func (admin *administrator) SubmitDocument(ctx context.Context, scope, documentID string, body io.Reader) (models.Notification, bool, error) {
	doc, err := dom.Parse(documentID, body)
	if err != nil {
		return models.Notification{}, false, err
	}
	prev, err := admin.registry.Swap(scope, doc)
	if err != nil {
		return models.Notification{}, false, err
	}

	notification := models.NewNotification(scope, documentID)
	added, err := admin.queue.Insert(notification)
	if err != nil {
		admin.registry.Restore(scope, doc, prev)
		return models.Notification{}, false, err
	}
	return notification, added, nil
}

func (admin *administrator) RenderDocument(scope, documentID string, w io.Writer) error {
	doc, err := admin.registry.Document(scope, documentID)
	if err != nil {
		return err
	}
	return doc.Render(w)
}

// Processes a document synchronously, bypassing the queue
func (admin *administrator) ProcessDocument(ctx context.Context, scope, documentID string) (processor.Summary, error) {
	return admin.processor.ProcessDocument(ctx, models.NewNotification(scope, documentID))
}

// Tears a scope down: pending work is cancelled and its records are removed.
func (admin *administrator) DropScope(ctx context.Context, scope string) (int, error) {
	admin.registry.DropScope(scope)
	admin.gate.ForgetScope(scope)
	return admin.cache.Invalidate(ctx, scope)
}

func (admin *administrator) Record(ctx context.Context, scope, sig string) (models.CacheRecord, error) {
	return admin.cache.Get(ctx, sig, scope)
}

func (admin *administrator) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = admin.config.RecordMaxAge
	}
	return admin.cache.SweepExpired(ctx, maxAge)
}

// Launches the workers and the periodic sweeper
func (admin *administrator) Start() {
	admin.workerPool.Start(admin.ctx)
	admin.bg.Go(func() { admin.sweeper.Run(admin.ctx) })
}

// StartService serves the HTTP surface on port until Stop is called
func (admin *administrator) StartService(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin.serverMu.Lock()
	admin.server = server
	admin.serverMu.Unlock()

	logger.Log.Info("HTTP service listening", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http service: %w", err)
	}
	return nil
}

// Stops the HTTP service, drains the queue and releases the store
func (admin *administrator) Stop() {
	admin.stopOnce.Do(func() {
		logger.Log.Info("Beginning shutdown sequence")

		admin.serverMu.Lock()
		server := admin.server
		admin.serverMu.Unlock()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				logger.Log.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
			cancel()
		}

		admin.queue.Close()
		logger.Log.Info("Waiting for worker pool to finish processing existing items")
		admin.workerPool.Wait()

		admin.cancel()
		admin.bg.Wait()
		admin.registry.Close()

		if err := admin.store.Close(); err != nil {
			logger.Log.Warn("Closing store failed", zap.Error(err))
		}
		logger.Log.Info("Administrator stopped gracefully")
	})
}

// Returns the current queue depth for health checks
func (admin *administrator) QueueDepth() int {
	return admin.queue.Length()
}

// Returns the number of workers for health checks
func (admin *administrator) WorkerCount() int {
	return admin.workerPool.NumWorkers()
}

// Returns when the service was started for health checks
func (admin *administrator) StartTime() time.Time {
	return admin.startTime
}
