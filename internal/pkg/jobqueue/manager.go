package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/payments"
	"github.com/gofiber/fiber/v2/log"
)

const sweepBatchSize = 100

// Manager manages the global job queue and the periodic billing sweeps
type Manager struct {
	queue         *Queue
	billing       *payments.Service
	renewalTicker *time.Ticker
	dunningTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// InitializeManager wires the global manager (singleton). Must be called once
// during startup before GetManager.
func InitializeManager(billing *payments.Service) *Manager {
	managerOnce.Do(func() {
		workerCount := 5
		if v, err := strconv.Atoi(env.GetEnv("JOB_WORKER_COUNT", "")); err == nil && v > 0 {
			workerCount = v
		}

		globalManager = &Manager{
			queue:   NewQueue(workerCount, billing),
			billing: billing,
			stopCh:  make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the billing sweeps
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and billing sweeps")

	// Start the job queue
	m.queue.Start()

	renewalInterval := intervalFromEnv("RENEWAL_SWEEP_INTERVAL_MINUTES", 10)
	dunningInterval := intervalFromEnv("DUNNING_SWEEP_INTERVAL_MINUTES", 30)

	m.renewalTicker = time.NewTicker(renewalInterval)
	m.wg.Add(1)
	go m.renewalWorker()

	m.dunningTicker = time.NewTicker(dunningInterval)
	m.wg.Add(1)
	go m.dunningWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and the billing sweeps
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
	if m.dunningTicker != nil {
		m.dunningTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// renewalWorker periodically finds subscriptions whose period lapsed and
// enqueues a renewal charge for each
func (m *Manager) renewalWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started renewal sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Renewal worker stopping")
			return
		case <-m.renewalTicker.C:
			if err := m.RunRenewalSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Renewal sweep error: %v", err)
			}
		}
	}
}

// dunningWorker periodically re-evaluates subscriptions in arrears
func (m *Manager) dunningWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started dunning sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Dunning worker stopping")
			return
		case <-m.dunningTicker.C:
			if err := m.RunDunningSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Dunning sweep error: %v", err)
			}
		}
	}
}

// RunRenewalSweepOnce enqueues one renewal job per due subscription. A bad
// subscription never aborts the batch. Also exposed as a manual admin
// trigger.
func (m *Manager) RunRenewalSweepOnce() error {
	ctx := context.Background()
	due, err := m.billing.FindDueForRenewal(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		return err
	}
	for i := range due {
		payload := RenewalChargeJobPayload{SubscriptionID: due[i].ID}
		if _, err := m.queue.EnqueueJob(JobTypeRenewalCharge, payload.ToMap()); err != nil {
			log.Errorf("[JobQueue Manager] Enqueue renewal for %s: %v", due[i].ID, err)
		}
	}
	if len(due) > 0 {
		log.Infof("[JobQueue Manager] Renewal sweep enqueued %d subscriptions", len(due))
	}
	return nil
}

// RunDunningSweepOnce enqueues one dunning evaluation per past-due
// subscription. Also exposed as a manual admin trigger.
func (m *Manager) RunDunningSweepOnce() error {
	ctx := context.Background()
	inDunning, err := m.billing.FindInDunning(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for i := range inDunning {
		payload := DunningRetryJobPayload{SubscriptionID: inDunning[i].ID}
		if _, err := m.queue.EnqueueJob(JobTypeDunningRetry, payload.ToMap()); err != nil {
			log.Errorf("[JobQueue Manager] Enqueue dunning for %s: %v", inDunning[i].ID, err)
		}
	}
	if len(inDunning) > 0 {
		log.Infof("[JobQueue Manager] Dunning sweep enqueued %d subscriptions", len(inDunning))
	}
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func intervalFromEnv(key string, defMinutes int) time.Duration {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return time.Duration(defMinutes) * time.Minute
}
