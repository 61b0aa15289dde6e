package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// Status is the lifecycle state of the supervised broker.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// maxHealthFailures is how many consecutive failed health checks kill the broker.
const maxHealthFailures = 3

// readyPollInterval is how often Start dials the listener while waiting.
const readyPollInterval = 100 * time.Millisecond

// Config describes the broker process and how to supervise it.
type Config struct {
	Binary string
	Args   []string

	// Listen is the host:port dialled for readiness and health.
	Listen string

	StartTimeout        time.Duration
	GracefulTimeout     time.Duration
	HealthCheckInterval time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// Backoff spaces restart attempts.
	Backoff pubsub.BackoffConfig
}

// FromConfig derives a supervisor Config from the mqtt section. Restarts
// follow the same backoff schedule as client reconnects.
func FromConfig(cfg config.MQTTConfig) Config {
	m := cfg.Managed

	var args []string
	if m.ConfigFile != "" {
		args = []string{"-c", m.ConfigFile}
	} else if _, port, err := net.SplitHostPort(m.Listen); err == nil {
		args = []string{"-p", port}
	}

	return Config{
		Binary:              m.Binary,
		Args:                args,
		Listen:              m.Listen,
		StartTimeout:        m.StartTimeout,
		GracefulTimeout:     m.GracefulTimeout,
		HealthCheckInterval: m.HealthCheckInterval,
		MaxRestartAttempts:  m.MaxRestartAttempts,
		Backoff: pubsub.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
		},
	}
}

// Stats is a snapshot of the supervisor for diagnostics.
type Stats struct {
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Supervisor runs one broker process and keeps it alive.
//
// Thread Safety: All methods are safe for concurrent use.
type Supervisor struct {
	cfg     Config
	logger  pubsub.Logger
	backoff *pubsub.Backoff

	mu          sync.Mutex
	cmd         *exec.Cmd
	status      Status
	active      bool // supervise goroutine alive
	restarts    int
	consecutive int
	lastErr     error
	startedAt   time.Time
	stopCh      chan struct{}
	stopOnce    *sync.Once
	done        chan struct{}
}

// New validates cfg and creates a stopped Supervisor.
//
// Parameters:
//   - cfg: Broker process settings; zero timeouts take defaults
//   - logger: Receives lifecycle events and broker output. May be nil.
//
// Returns:
//   - *Supervisor: Ready to Start
//   - error: ErrNoBinary or ErrInvalidListen
func New(cfg Config, logger pubsub.Logger) (*Supervisor, error) {
	if cfg.Binary == "" {
		return nil, ErrNoBinary
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidListen, cfg.Listen)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		backoff: pubsub.NewBackoff(cfg.Backoff),
		status:  StatusStopped,
	}, nil
}

// Start launches the broker and blocks until its listener accepts
// connections. The broker is supervised until Stop is called or ctx ends.
//
// Parameters:
//   - ctx: Bounds the supervisor's lifetime
//
// Returns:
//   - error: ErrAlreadyRunning, a spawn failure, or ErrNotReady
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status = StatusStarting
	s.active = true
	s.consecutive = 0
	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.backoff.Reset()

	exited, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.active = false
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.supervise(ctx, exited)

	if err := s.waitReady(ctx); err != nil {
		//nolint:errcheck // reporting the readiness failure instead
		s.Stop()
		return err
	}

	s.logger.Info("broker ready", "listen", s.cfg.Listen)
	return nil
}

// spawn starts one broker process. The returned channel receives its exit
// status once both output streams are drained.
func (s *Supervisor) spawn() (<-chan error, error) {
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("broker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("broker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting broker %s: %w", s.cfg.Binary, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("broker started", "binary", s.cfg.Binary, "args", s.cfg.Args, "pid", cmd.Process.Pid)

	var streams sync.WaitGroup
	streams.Add(2)
	go s.logOutput(&streams, "stdout", stdout)
	go s.logOutput(&streams, "stderr", stderr)

	exited := make(chan error, 1)
	go func() {
		streams.Wait()
		exited <- cmd.Wait()
	}()
	return exited, nil
}

func (s *Supervisor) logOutput(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("broker output", "stream", stream, "line", scanner.Text())
	}
}

// waitReady polls the listener until it accepts a connection.
func (s *Supervisor) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		err := s.dialListener(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w on %s: %w", ErrNotReady, s.cfg.Listen, err)
		case <-ticker.C:
		}
	}
}

// dialListener opens and closes one TCP connection to the broker.
func (s *Supervisor) dialListener(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return conn.Close()
}

// supervise watches the running process and restarts it until stopped.
func (s *Supervisor) supervise(ctx context.Context, exited <-chan error) {
	defer func() {
		s.mu.Lock()
		s.active = false
		close(s.done)
		s.mu.Unlock()
	}()

	for {
		stopped, err := s.watch(ctx, exited)
		if stopped {
			s.mu.Lock()
			s.status = StatusStopped
			s.mu.Unlock()
			s.logger.Info("broker stopped")
			return
		}

		s.logger.Warn("broker exited unexpectedly", "error", err)

		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.consecutive++
		attempt := s.consecutive
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.logger.Error("broker restart attempts exhausted", "attempts", attempt-1)
			return
		}

		delay := s.backoff.Next()
		s.logger.Info("restarting broker", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.markStopped()
			return
		case <-s.stopCh:
			timer.Stop()
			s.markStopped()
			return
		case <-timer.C:
		}

		next, err := s.spawn()
		if err != nil {
			failed := make(chan error, 1)
			failed <- err
			next = failed
		} else {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
		}
		exited = next
	}
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
}

// watch blocks until the process exits, fails its health checks, or a stop is
// requested. stopped reports a requested shutdown.
func (s *Supervisor) watch(ctx context.Context, exited <-chan error) (stopped bool, err error) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("broker exited with status 0")
			}
			return false, err

		case <-ctx.Done():
			s.terminate(exited)
			return true, nil

		case <-s.stopCh:
			s.terminate(exited)
			return true, nil

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			checkErr := s.dialListener(checkCtx)
			cancel()

			if checkErr == nil {
				if failures > 0 {
					s.logger.Info("broker health recovered", "previous_failures", failures)
				}
				failures = 0
				s.markHealthy()
				continue
			}

			failures++
			s.logger.Warn("broker health check failed", "error", checkErr, "consecutive_failures", failures)
			if failures >= maxHealthFailures {
				s.logger.Error("broker unresponsive, killing", "failures", failures)
				s.signal(syscall.SIGKILL)
				<-exited
				return false, fmt.Errorf("%w: %d consecutive: %w", ErrUnhealthy, failures, checkErr)
			}
		}
	}
}

// markHealthy resets the restart schedule once a broker has proven itself.
func (s *Supervisor) markHealthy() {
	s.mu.Lock()
	s.consecutive = 0
	s.mu.Unlock()
	s.backoff.Reset()
}

// terminate asks the process group to exit and kills it after the grace
// period.
func (s *Supervisor) terminate(exited <-chan error) {
	s.signal(syscall.SIGTERM)

	timer := time.NewTimer(s.cfg.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
		s.logger.Warn("broker ignored SIGTERM, sending SIGKILL", "timeout", s.cfg.GracefulTimeout)
	}

	s.signal(syscall.SIGKILL)
	<-exited
}

// signal sends sig to the broker's process group.
func (s *Supervisor) signal(sig syscall.Signal) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("signalling broker failed", "signal", sig.String(), "error", err)
	}
}

// Stop shuts the broker down and waits for the supervisor to exit.
// Safe to call more than once and on a supervisor that never started.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	stopCh, once, done := s.stopCh, s.stopOnce, s.done
	s.mu.Unlock()

	once.Do(func() { close(stopCh) })
	<-done
	return nil
}

// HealthCheck reports whether the broker is running and accepting
// connections.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if s.Status() != StatusRunning {
		return ErrNotRunning
	}
	if err := s.dialListener(ctx); err != nil {
		return fmt.Errorf("dialling %s: %w", s.cfg.Listen, err)
	}
	return nil
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stats returns a snapshot for diagnostics.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Status:   s.status,
		Restarts: s.restarts,
	}
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
		stats.Uptime = time.Since(s.startedAt)
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	return stats
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
