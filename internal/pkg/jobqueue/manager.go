package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
)

const counterFlushInterval = 5 * time.Second

// ErrSweepInProgress is returned when a manual sweep overlaps a running one.
var ErrSweepInProgress = errors.New("sweep already in progress")

// CounterFlusher drains buffered counters into the database
type CounterFlusher interface {
	FlushAll(ctx context.Context) error
}

// Manager manages the global job queue and the periodic billing sweeps
type Manager struct {
	queue    *Queue
	renewals *billing.RenewalScheduler
	expiry   *billing.ExpirySweeper
	counters CounterFlusher

	renewalInterval time.Duration
	expiryInterval  time.Duration

	renewalTicker      *time.Ticker
	expiryTicker       *time.Ticker
	counterFlushTicker *time.Ticker

	renewalMu sync.Mutex
	expiryMu  sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// NewManager wires the queue and the sweeps of one billing service together.
// counters may be nil.
func NewManager(queue *Queue, svc *billing.Service, counters CounterFlusher) *Manager {
	cfg := svc.Config()
	return &Manager{
		queue:           queue,
		renewals:        billing.NewRenewalScheduler(svc),
		expiry:          billing.NewExpirySweeper(svc),
		counters:        counters,
		renewalInterval: cfg.RenewalInterval,
		expiryInterval:  cfg.ExpiryInterval,
		stopCh:          make(chan struct{}),
	}
}

// InitManager creates the global manager once. Later calls return the first instance.
func InitManager(queue *Queue, svc *billing.Service, counters CounterFlusher) *Manager {
	managerOnce.Do(func() {
		globalManager = NewManager(queue, svc, counters)
	})
	return globalManager
}

// GetManager returns the global manager, nil before InitManager
func GetManager() *Manager {
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and billing sweeps")

	m.queue.Start()

	m.renewalTicker = time.NewTicker(m.renewalInterval)
	m.wg.Add(1)
	go m.renewalWorker()

	m.expiryTicker = time.NewTicker(m.expiryInterval)
	m.wg.Add(1)
	go m.expiryWorker()

	if m.counters != nil {
		m.counterFlushTicker = time.NewTicker(counterFlushInterval)
		m.wg.Add(1)
		go m.counterFlushWorker()
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks. A sweep in flight is cancelled
// between subscriptions; the subscription being processed finishes its transaction.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and billing sweeps...")

	if m.renewalTicker != nil {
		m.renewalTicker.Stop()
	}
	if m.expiryTicker != nil {
		m.expiryTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	close(m.stopCh)
	m.cancel()
	m.running = false

	m.wg.Wait()

	// Final flush so counters of the last seconds are not lost
	if m.counters != nil {
		if err := m.counters.FlushAll(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
		}
	}

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) renewalWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started renewal worker (interval: %s)", m.renewalInterval)

	// Sweep once on start, a restart must not push renewals back a whole interval
	m.renewalTick()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Renewal worker stopping")
			return
		case <-m.renewalTicker.C:
			m.renewalTick()
		}
	}
}

func (m *Manager) renewalTick() {
	if _, err := m.RunRenewalSweep(m.ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && m.ctx.Err() == nil {
		log.Errorf("[JobQueue Manager] Renewal sweep error: %v", err)
	}
}

func (m *Manager) expiryWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started expiry worker (interval: %s)", m.expiryInterval)

	m.expiryTick()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Expiry worker stopping")
			return
		case <-m.expiryTicker.C:
			m.expiryTick()
		}
	}
}

func (m *Manager) expiryTick() {
	if _, err := m.RunExpirySweep(m.ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && m.ctx.Err() == nil {
		log.Errorf("[JobQueue Manager] Expiry sweep error: %v", err)
	}
}

// counterFlushWorker periodically flushes buffered counters from Redis to DB
func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := m.counters.FlushAll(m.ctx); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// RunRenewalSweep runs one renewal sweep unless another one is still running.
func (m *Manager) RunRenewalSweep(ctx context.Context) (billing.RenewalReport, error) {
	if !m.renewalMu.TryLock() {
		return billing.RenewalReport{}, ErrSweepInProgress
	}
	defer m.renewalMu.Unlock()
	return m.renewals.RunOnce(ctx)
}

// RunExpirySweep runs one expiry sweep unless another one is still running.
func (m *Manager) RunExpirySweep(ctx context.Context) (billing.ExpiryReport, error) {
	if !m.expiryMu.TryLock() {
		return billing.ExpiryReport{}, ErrSweepInProgress
	}
	defer m.expiryMu.Unlock()
	return m.expiry.RunOnce(ctx)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
