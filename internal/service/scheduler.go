package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
	"github.com/GoPolymarket/mmengine/internal/runner"
	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"
)

// Lifecycle states of a strategy inside the scheduler.
const (
	LifecycleStopped  = "Stopped"
	LifecycleStarting = "Starting"
	LifecycleRunning  = "Running"
	LifecycleFailing  = "Failing"
	LifecycleStopping = "Stopping"
	LifecycleError    = "Error"
)

const (
	triggerStart   = "start"
	triggerReady   = "ready"
	triggerAbort   = "abort"
	triggerFail    = "fail"
	triggerRecover = "recover"
	triggerStop    = "stop"
	triggerStopped = "stopped"
	triggerFault   = "fault"
	triggerAck     = "ack"
)

// Locker guards a strategy id across engine replicas.
type Locker interface {
	Acquire(ctx context.Context, strategyID string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

type SchedulerOptions struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Runner       runner.Settings
	Store        runner.StateStore
	Locker       Locker
	Events       *EventHub
}

// StrategyState is what start/stop/ack and status return to the console.
type StrategyState struct {
	ID        string               `json:"id"`
	Status    model.StrategyStatus `json:"status"`
	Lifecycle string               `json:"lifecycle"`
	LastError string               `json:"last_error,omitempty"`
	Runner    *runner.Info         `json:"runner,omitempty"`
}

// slot 每个策略一个: mu 串行化 start/stop/delete/edit, smu 保护状态机与当前 runner
type slot struct {
	mu sync.Mutex

	smu     sync.Mutex
	fsm     *stateless.StateMachine
	lastErr string
	run     *runner.Runner
	cancel  context.CancelFunc
	lease   Lease
	done    chan struct{}
	suspend bool
}

func (sl *slot) state() string {
	sl.smu.Lock()
	defer sl.smu.Unlock()
	return sl.fsm.MustState().(string)
}

func (sl *slot) runner() *runner.Runner {
	sl.smu.Lock()
	defer sl.smu.Unlock()
	return sl.run
}

func idle(lifecycle string) bool {
	return lifecycle == LifecycleStopped || lifecycle == LifecycleError
}

func statusFor(lifecycle string) model.StrategyStatus {
	switch lifecycle {
	case LifecycleRunning, LifecycleFailing, LifecycleStopping:
		return model.StatusRunning
	case LifecycleError:
		return model.StatusError
	default:
		return model.StatusStopped
	}
}

// Scheduler owns the running set: at most one runner per strategy id.
type Scheduler struct {
	registry *StrategyRegistry
	vault    *AccountVault
	cache    *market.Cache
	opts     SchedulerOptions
	log      *slog.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	closing bool

	base      context.Context
	cancelAll context.CancelFunc
}

// NewScheduler wires itself into the registry (edit guard) and the vault
// (account usage).
func NewScheduler(registry *StrategyRegistry, vault *AccountVault, cache *market.Cache, opts SchedulerOptions) *Scheduler {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		registry:  registry,
		vault:     vault,
		cache:     cache,
		opts:      opts,
		log:       logger.Component("scheduler"),
		slots:     make(map[string]*slot),
		base:      base,
		cancelAll: cancel,
	}
	registry.SetGuard(s)
	vault.SetUsage(s)
	return s
}

func (s *Scheduler) newSlot(id, initial string) *slot {
	sl := &slot{}
	fsm := stateless.NewStateMachine(initial)
	fsm.Configure(LifecycleStopped).
		Permit(triggerStart, LifecycleStarting)
	// 首个周期可能在 Start 发出 ready 之前就失败, 所以 Starting 也接受 fail
	fsm.Configure(LifecycleStarting).
		Permit(triggerReady, LifecycleRunning).
		Permit(triggerFail, LifecycleFailing).
		Permit(triggerAbort, LifecycleStopped).
		Permit(triggerFault, LifecycleError).
		Ignore(triggerRecover)
	fsm.Configure(LifecycleRunning).
		Permit(triggerFail, LifecycleFailing).
		Permit(triggerStop, LifecycleStopping).
		Permit(triggerStopped, LifecycleStopped).
		Permit(triggerFault, LifecycleError).
		Ignore(triggerReady).
		Ignore(triggerRecover)
	fsm.Configure(LifecycleFailing).
		PermitReentry(triggerFail).
		Permit(triggerRecover, LifecycleRunning).
		Permit(triggerStop, LifecycleStopping).
		Permit(triggerStopped, LifecycleStopped).
		Permit(triggerAbort, LifecycleStopped).
		Permit(triggerFault, LifecycleError).
		Ignore(triggerReady)
	fsm.Configure(LifecycleStopping).
		Permit(triggerStopped, LifecycleStopped).
		Permit(triggerFault, LifecycleError).
		Ignore(triggerFail).
		Ignore(triggerRecover)
	fsm.Configure(LifecycleError).
		Permit(triggerStart, LifecycleStarting).
		Permit(triggerAck, LifecycleStopped)

	// 回调在 smu 内执行, 不能再调用 slot 上的加锁方法
	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, _ := t.Source.(string)
		to, _ := t.Destination.(string)
		metrics.LifecycleTransitions.WithLabelValues(from, to).Inc()
		s.log.Debug("lifecycle transition", "strategy_id", id, "from", from, "to", to, "trigger", t.Trigger)
		s.opts.Events.Publish(model.StrategyEvent{
			StrategyID: id,
			Status:     statusFor(to),
			Lifecycle:  to,
			LastError:  sl.lastErr,
			At:         time.Now().UTC(),
		})
	})
	sl.fsm = fsm
	return sl
}

// slotFor returns the slot for cfg, creating it from the persisted status.
func (s *Scheduler) slotFor(cfg *model.Strategy) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[cfg.ID]; ok {
		return sl
	}
	initial := LifecycleStopped
	if cfg.Status == model.StatusError {
		initial = LifecycleError
	}
	sl := s.newSlot(cfg.ID, initial)
	s.slots[cfg.ID] = sl
	return sl
}

func (s *Scheduler) existing(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *Scheduler) fire(sl *slot, trigger, lastErr string) {
	sl.smu.Lock()
	defer sl.smu.Unlock()
	sl.lastErr = lastErr
	if err := sl.fsm.Fire(trigger); err != nil {
		s.log.Warn("lifecycle trigger rejected", "trigger", trigger, "state", sl.fsm.MustState(), "error", err)
	}
}

func (s *Scheduler) setStatus(id string, status model.StrategyStatus, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.registry.SetStatus(ctx, id, status, lastErr); err != nil {
		s.log.Warn("persist strategy status failed", "strategy_id", id, "error", err)
	}
}

func (s *Scheduler) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Start spawns a runner and returns once its first tick has confirmed the
// gateway sessions and market subscriptions.
func (s *Scheduler) Start(ctx context.Context, id string) (*StrategyState, error) {
	cfg, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sl := s.slotFor(cfg)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	prev := sl.state()
	if !idle(prev) {
		return nil, apperrors.AlreadyRunning(id)
	}
	if s.isClosing() {
		return nil, apperrors.Conflict("engine is shutting down", id)
	}
	// 拿到锁后重新读取, 期间可能被编辑或删除
	if cfg, err = s.registry.Get(ctx, id); err != nil {
		return nil, err
	}

	// 先进入 Starting 再解析账户, 并发的禁用/删除会把本策略视为占用
	s.fire(sl, triggerStart, "")
	bid, ask, lease, err := s.acquire(ctx, cfg)
	if err != nil {
		s.restore(sl, prev, cfg.LastError)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.base)
	r := runner.New(cfg, bid, ask, runner.Deps{
		Cache:    s.cache,
		Store:    s.opts.Store,
		Settings: s.opts.Runner,
		Reporter: s,
	})
	go r.Run(runCtx)

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()
	var startErr error
	select {
	case startErr = <-r.Ready():
	case <-timer.C:
		startErr = apperrors.Timeout("strategy did not confirm its first tick in time", id)
	case <-ctx.Done():
		startErr = ctx.Err()
	}

	if startErr != nil {
		cancel()
		<-r.Done()
		s.release(lease)
		msg := startErr.Error()
		if exchange.IsFatal(startErr) {
			s.fire(sl, triggerFault, msg)
			s.setStatus(id, model.StatusError, msg)
		} else {
			s.fire(sl, triggerAbort, msg)
			s.setStatus(id, model.StatusStopped, msg)
		}
		s.log.Warn("strategy start failed", "strategy_id", id, "error", startErr)
		return nil, apperrors.Wrap(startErr)
	}

	done := make(chan struct{})
	sl.smu.Lock()
	sl.run, sl.cancel, sl.lease, sl.done, sl.suspend = r, cancel, lease, done, false
	sl.smu.Unlock()
	s.fire(sl, triggerReady, "")
	// 首个周期已经失败时 Failing 已写入 last_error
	if sl.state() == LifecycleRunning {
		s.setStatus(id, model.StatusRunning, "")
	}
	go s.watch(id, sl, r, done, cfg.AccountIDs())

	s.log.Info("strategy started", "strategy_id", id, "kind", cfg.Kind, "pair", cfg.Pair)
	return s.Status(ctx, id)
}

// acquire resolves both accounts, re-checks them against cfg and takes the
// cross-replica lock.
func (s *Scheduler) acquire(ctx context.Context, cfg *model.Strategy) (bid, ask *exchange.Handle, lease Lease, err error) {
	if bid, err = s.vault.Resolve(ctx, cfg.Account1ID); err != nil {
		return nil, nil, nil, err
	}
	if err = checkAccountRef("account1_id", bid.Account, cfg); err != nil {
		return nil, nil, nil, err
	}
	ask = bid
	if askID := cfg.AskAccountID(); askID != cfg.Account1ID {
		if ask, err = s.vault.Resolve(ctx, askID); err != nil {
			return nil, nil, nil, err
		}
		if err = checkAccountRef("account2_id", ask.Account, cfg); err != nil {
			return nil, nil, nil, err
		}
	}
	if s.opts.Locker != nil {
		if lease, err = s.opts.Locker.Acquire(ctx, cfg.ID); err != nil {
			return nil, nil, nil, err
		}
	}
	return bid, ask, lease, nil
}

// restore returns a slot that never got a runner to the idle state it
// started from. Persisted status is left alone.
func (s *Scheduler) restore(sl *slot, prev, lastErr string) {
	if prev == LifecycleError {
		s.fire(sl, triggerFault, lastErr)
		return
	}
	s.fire(sl, triggerAbort, "")
}

// watch finalizes a run once its runner goroutine exits.
func (s *Scheduler) watch(id string, sl *slot, r *runner.Runner, done chan struct{}, accountIDs []string) {
	exit := r.Exit()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	defer close(done)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, acct := range accountIDs {
			s.vault.ReleaseIdle(ctx, acct)
		}
	}()

	sl.smu.Lock()
	lease, suspend := sl.lease, sl.suspend
	sl.run, sl.cancel, sl.lease = nil, nil, nil
	sl.smu.Unlock()
	s.release(lease)

	if exit.Err != nil {
		msg := exit.Err.Error()
		if len(exit.Leaked) > 0 {
			msg = fmt.Sprintf("%s (resting orders: %s)", msg, strings.Join(exit.Leaked, ","))
		}
		s.fire(sl, triggerFault, msg)
		s.setStatus(id, model.StatusError, msg)
		s.log.Error("strategy halted", "strategy_id", id, "error", msg)
		return
	}
	s.fire(sl, triggerStopped, "")
	// 进程退出时保持 running, 重启后由 Resume 恢复
	if !suspend {
		s.setStatus(id, model.StatusStopped, "")
	}
	s.log.Info("strategy stopped", "strategy_id", id)
}

func (s *Scheduler) release(lease Lease) {
	if lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		s.log.Warn("release strategy lock failed", "error", err)
	}
}

// Stop cancels the runner and waits for its cleanup. Stopping an idle
// strategy is a no-op.
func (s *Scheduler) Stop(ctx context.Context, id string) (*StrategyState, error) {
	cfg, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sl := s.slotFor(cfg)
	sl.mu.Lock()
	switch sl.state() {
	case LifecycleRunning, LifecycleFailing:
		s.fire(sl, triggerStop, "")
		sl.smu.Lock()
		sl.cancel()
		sl.smu.Unlock()
	case LifecycleStopping:
	default:
		sl.mu.Unlock()
		return s.Status(ctx, id)
	}
	sl.smu.Lock()
	done := sl.done
	sl.smu.Unlock()
	sl.mu.Unlock()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return s.Status(ctx, id)
	case <-timer.C:
		msg := "stop timed out; order cleanup still in progress"
		if sl.state() == LifecycleStopping {
			s.setStatus(id, model.StatusRunning, msg)
		}
		s.log.Warn("strategy stop timed out", "strategy_id", id)
		return nil, apperrors.Timeout(msg, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge moves a strategy out of Error without starting it.
func (s *Scheduler) Acknowledge(ctx context.Context, id string) (*StrategyState, error) {
	cfg, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sl := s.slotFor(cfg)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state() != LifecycleError {
		return nil, apperrors.Conflict("strategy is not in error state", id)
	}
	s.fire(sl, triggerAck, "")
	s.setStatus(id, model.StatusStopped, "")
	return s.Status(ctx, id)
}

// BatchDelete deletes every id or none. Running ids are listed in the
// conflict error.
func (s *Scheduler) BatchDelete(ctx context.Context, ids []string) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return apperrors.Validation("ids", "ids must not be empty")
	}
	slices.Sort(ids)

	slotList := make([]*slot, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.registry.Get(ctx, id)
		if err != nil {
			return err
		}
		slotList = append(slotList, s.slotFor(cfg))
	}
	// 按 id 排序加锁, 避免与并发批量删除死锁
	for _, sl := range slotList {
		sl.mu.Lock()
		defer sl.mu.Unlock()
	}

	var running []string
	for i, sl := range slotList {
		if !idle(sl.state()) {
			running = append(running, ids[i])
		}
	}
	if len(running) > 0 {
		return apperrors.Conflict("cannot delete running strategies", running...)
	}
	for _, id := range ids {
		if _, err := s.registry.Get(ctx, id); err != nil {
			return err
		}
	}
	if err := s.registry.remove(ctx, ids); err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.slots, id)
	}
	s.mu.Unlock()
	if s.opts.Store != nil {
		for _, id := range ids {
			if err := s.opts.Store.Delete(ctx, id); err != nil {
				s.log.Warn("delete runner state failed", "strategy_id", id, "error", err)
			}
		}
	}
	s.log.Info("strategies deleted", "ids", ids)
	return nil
}

// WithIdle implements Guard for the registry.
func (s *Scheduler) WithIdle(ctx context.Context, id string, fn func() error) error {
	cfg, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	sl := s.slotFor(cfg)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !idle(sl.state()) {
		return apperrors.Conflict("strategy must be stopped first", id)
	}
	return fn()
}

// Referencing implements AccountUsage.
func (s *Scheduler) Referencing(ctx context.Context, accountID string) ([]*model.Strategy, error) {
	return s.registry.ReferencingAccount(ctx, accountID)
}

// ActiveReferencing implements AccountUsage. Strategies persisted as running
// but not yet resumed count as active.
func (s *Scheduler) ActiveReferencing(ctx context.Context, accountID string) ([]string, error) {
	refs, err := s.registry.ReferencingAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, cfg := range refs {
		if sl := s.existing(cfg.ID); sl != nil {
			if !idle(sl.state()) {
				out = append(out, cfg.ID)
			}
			continue
		}
		if cfg.Status == model.StatusRunning {
			out = append(out, cfg.ID)
		}
	}
	return out, nil
}

func (s *Scheduler) Status(ctx context.Context, id string) (*StrategyState, error) {
	cfg, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &StrategyState{ID: id, Status: cfg.Status, LastError: cfg.LastError}
	sl := s.existing(id)
	if sl == nil {
		st.Lifecycle = LifecycleStopped
		if cfg.Status == model.StatusError {
			st.Lifecycle = LifecycleError
		}
		return st, nil
	}
	st.Lifecycle = sl.state()
	if r := sl.runner(); r != nil {
		info := r.Info()
		st.Runner = &info
	}
	return st, nil
}

// Running lists ids that currently own a runner.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	snapshot := make(map[string]*slot, len(s.slots))
	for id, sl := range s.slots {
		snapshot[id] = sl
	}
	s.mu.Unlock()

	var out []string
	for id, sl := range snapshot {
		if !idle(sl.state()) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Resume restarts strategies persisted as running, e.g. after a restart.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	all, err := s.registry.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, cfg := range all {
		if cfg.Status != model.StatusRunning {
			continue
		}
		if _, err := s.Start(ctx, cfg.ID); err != nil {
			s.log.Warn("resume strategy failed", "strategy_id", cfg.ID, "error", err)
			if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrDisabledAccount) {
				s.setStatus(cfg.ID, model.StatusStopped, err.Error())
			}
			continue
		}
		started++
	}
	return started, nil
}

// Shutdown stops every runner in parallel. Persisted statuses stay running
// so the next boot resumes them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	snapshot := make(map[string]*slot, len(s.slots))
	for id, sl := range s.slots {
		snapshot[id] = sl
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, sl := range snapshot {
		g.Go(func() error {
			sl.mu.Lock()
			st := sl.state()
			if st != LifecycleRunning && st != LifecycleFailing && st != LifecycleStopping {
				sl.mu.Unlock()
				return nil
			}
			sl.smu.Lock()
			if st != LifecycleStopping {
				sl.suspend = true
			}
			cancel, done := sl.cancel, sl.done
			sl.smu.Unlock()
			if st != LifecycleStopping {
				s.fire(sl, triggerStop, "")
				cancel()
			}
			sl.mu.Unlock()

			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("strategy %s: %w", id, gctx.Err())
			}
		})
	}
	err := g.Wait()
	s.cancelAll()
	return err
}

// Failing implements runner.Reporter.
func (s *Scheduler) Failing(id string, failures int, err error) {
	sl := s.existing(id)
	if sl == nil {
		return
	}
	msg := fmt.Sprintf("attempt %d failed: %v", failures, err)
	s.fire(sl, triggerFail, msg)
	if sl.state() == LifecycleFailing {
		s.setStatus(id, model.StatusRunning, msg)
	}
}

func (s *Scheduler) Recovered(id string) {
	sl := s.existing(id)
	if sl == nil {
		return
	}
	s.fire(sl, triggerRecover, "")
	if sl.state() == LifecycleRunning {
		s.setStatus(id, model.StatusRunning, "")
	}
}
