package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
)

// DefaultContainerdSocket is the default containerd control socket.
const DefaultContainerdSocket = "/run/containerd/containerd.sock"

// ContainerdRuntime implements TaskRuntime with the containerd client.
// The connection is established lazily and re-established after failures,
// so an unreachable socket degrades to ErrUnreachable rather than failing
// masqctl's startup.
type ContainerdRuntime struct {
	socket    string
	namespace string
	logFile   string

	mu     sync.Mutex
	client *containerd.Client

	base   context.Context // parent of task Wait calls
	cancel context.CancelFunc
}

// NewContainerdRuntime creates a runtime for the given socket and namespace.
// When logFile is set, new tasks write their stdio there.
func NewContainerdRuntime(socket, namespace, logFile string) *ContainerdRuntime {
	if socket == "" {
		socket = DefaultContainerdSocket
	}
	base, cancel := context.WithCancel(context.Background())
	return &ContainerdRuntime{
		socket:    socket,
		namespace: namespace,
		logFile:   logFile,
		base:      namespaces.WithNamespace(base, namespace),
		cancel:    cancel,
	}
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

func (r *ContainerdRuntime) conn(ctx context.Context) (*containerd.Client, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		client, err := containerd.New(r.socket, containerd.WithTimeout(3*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, r.socket, err)
		}
		r.client = client
	}

	serving, err := r.client.IsServing(ctx)
	if err != nil || !serving {
		r.client.Close()
		r.client = nil
		if err == nil {
			err = errors.New("not serving")
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, r.socket, err)
	}
	return r.client, namespaces.WithNamespace(ctx, r.namespace), nil
}

func (r *ContainerdRuntime) classify(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsUnavailable(err) {
		r.mu.Lock()
		if r.client != nil {
			r.client.Close()
			r.client = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func (r *ContainerdRuntime) load(ctx context.Context, id string) (containerd.Container, context.Context, error) {
	client, nctx, err := r.conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	container, err := client.LoadContainer(nctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load container %s: %w", id, r.classify(err))
	}
	return container, nctx, nil
}

// Task implements TaskRuntime.
func (r *ContainerdRuntime) Task(ctx context.Context, id string) (TaskInfo, error) {
	container, nctx, err := r.load(ctx, id)
	if err != nil {
		return TaskInfo{}, err
	}
	task, err := container.Task(nctx, nil)
	if errdefs.IsNotFound(err) {
		return TaskInfo{}, nil
	}
	if err != nil {
		return TaskInfo{}, fmt.Errorf("failed to get task: %w", r.classify(err))
	}

	status, err := task.Status(nctx)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("failed to get task status: %w", r.classify(err))
	}
	return TaskInfo{
		Exists:  true,
		Running: status.Status == containerd.Running || status.Status == containerd.Paused,
		PID:     task.Pid(),
	}, nil
}

// Watch implements TaskRuntime.
func (r *ContainerdRuntime) Watch(ctx context.Context, id string) (<-chan struct{}, error) {
	container, nctx, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := container.Task(nctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", r.classify(err))
	}
	statusC, err := task.Wait(r.base)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for task: %w", r.classify(err))
	}
	return exitSignal(statusC), nil
}

func exitSignal(statusC <-chan containerd.ExitStatus) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-statusC
		close(done)
	}()
	return done
}

// StopTask implements TaskRuntime.
func (r *ContainerdRuntime) StopTask(ctx context.Context, id string, sig syscall.Signal, grace time.Duration) error {
	container, nctx, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	task, err := container.Task(nctx, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get task: %w", r.classify(err))
	}

	status, err := task.Status(nctx)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", r.classify(err))
	}
	if status.Status != containerd.Stopped {
		// Wait before Kill so a fast exit is not missed.
		statusC, err := task.Wait(nctx)
		if err != nil {
			return fmt.Errorf("failed to wait for task: %w", r.classify(err))
		}
		if err := task.Kill(nctx, sig); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to kill task: %w", r.classify(err))
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-statusC:
		case <-timer.C:
			if err := task.Kill(nctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
				return fmt.Errorf("failed to force kill task: %w", r.classify(err))
			}
			select {
			case <-statusC:
			case <-nctx.Done():
				return nctx.Err()
			}
		case <-nctx.Done():
			return nctx.Err()
		}
	}

	if _, err := task.Delete(nctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", r.classify(err))
	}
	return nil
}

// StartTask implements TaskRuntime.
func (r *ContainerdRuntime) StartTask(ctx context.Context, id string) (uint32, <-chan struct{}, error) {
	container, nctx, err := r.load(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	creator := cio.NullIO
	if r.logFile != "" {
		creator = cio.LogFile(r.logFile)
	}
	task, err := container.NewTask(nctx, creator)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create task: %w", r.classify(err))
	}

	statusC, err := task.Wait(r.base)
	if err != nil {
		task.Delete(nctx)
		return 0, nil, fmt.Errorf("failed to wait for task: %w", r.classify(err))
	}
	if err := task.Start(nctx); err != nil {
		task.Delete(nctx)
		return 0, nil, fmt.Errorf("failed to start task: %w", r.classify(err))
	}
	return task.Pid(), exitSignal(statusC), nil
}

// Metrics implements TaskRuntime.
func (r *ContainerdRuntime) Metrics(ctx context.Context, id string) (string, []byte, error) {
	container, nctx, err := r.load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	task, err := container.Task(nctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get task: %w", r.classify(err))
	}
	m, err := task.Metrics(nctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read task metrics: %w", r.classify(err))
	}
	if m == nil || m.Data == nil {
		return "", nil, errors.New("task reported no metrics")
	}
	return m.Data.GetTypeUrl(), m.Data.GetValue(), nil
}
