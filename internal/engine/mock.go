package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockEngine is an in-memory Engine for tests.
type MockEngine struct {
	mu sync.RWMutex

	// Containers tracks mock containers by ref.
	Containers map[string]*ContainerInfo

	// Images holds the images present locally.
	Images map[string]bool

	// Volumes holds the created volume names.
	Volumes map[string]bool

	// Errors allows injecting errors for specific methods, keyed by method
	// name.
	Errors map[string]error

	// Delays holds a method call for the given duration before it runs. The
	// wait honors ctx.
	Delays map[string]time.Duration

	// Gates blocks a method until the channel is closed or ctx is done.
	Gates map[string]chan struct{}

	// ExecHandler produces Exec results. The default reports success with
	// no output.
	ExecHandler func(ref string, cmd []string, opts ExecOptions) (*ExecResult, error)

	// CallLog records all method calls for verification.
	CallLog []MockCall

	// Streams holds every stream returned by Attach, oldest first.
	Streams []*MockStream

	nextRef int
}

// MockCall represents a recorded method call.
type MockCall struct {
	Method string
	Args   []any
}

// NewMockEngine creates a mock engine with no containers and no images.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Containers: make(map[string]*ContainerInfo),
		Images:     make(map[string]bool),
		Volumes:    make(map[string]bool),
		Errors:     make(map[string]error),
		Delays:     make(map[string]time.Duration),
		Gates:      make(map[string]chan struct{}),
	}
}

// SetError sets an error to be returned for a method. A nil err clears it.
func (m *MockEngine) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, method)
		return
	}
	m.Errors[method] = err
}

// SetDelay makes every call to method wait for d.
func (m *MockEngine) SetDelay(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delays[method] = d
}

// Gate blocks calls to method until the returned release func is called.
func (m *MockEngine) Gate(method string) (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.Gates[method] = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.Gates[method] == ch {
				delete(m.Gates, method)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// AddImage marks image as present locally.
func (m *MockEngine) AddImage(image string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[image] = true
}

// AddContainer adds a container and returns its ref.
func (m *MockEngine) AddContainer(name, image string, state ContainerState) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.newRef()
	m.Containers[ref] = &ContainerInfo{Ref: ref, Name: name, Image: image, State: state}
	return ref
}

// SetState changes the state of the container with the given ref or name.
func (m *MockEngine) SetState(refOrName string, state ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.lookup(refOrName); c != nil {
		c.State = state
	}
}

// Container returns a copy of the container with the given ref or name.
func (m *MockEngine) Container(refOrName string) (ContainerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.lookup(refOrName)
	if c == nil {
		return ContainerInfo{}, false
	}
	return *c, true
}

// GetCalls returns all recorded calls.
func (m *MockEngine) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method.
func (m *MockEngine) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// LastStream returns the most recent stream returned by Attach.
func (m *MockEngine) LastStream() *MockStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

func (m *MockEngine) newRef() string {
	m.nextRef++
	return fmt.Sprintf("mock-%04d", m.nextRef)
}

func (m *MockEngine) lookup(refOrName string) *ContainerInfo {
	if c, ok := m.Containers[refOrName]; ok {
		return c
	}
	for _, c := range m.Containers {
		if c.Name == refOrName {
			return c
		}
	}
	return nil
}

// enter records the call, waits out any delay or gate, and returns the
// injected error for method.
func (m *MockEngine) enter(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
	delay := m.Delays[method]
	gate := m.Gates[method]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Errors[method]
}

func (m *MockEngine) Name() string {
	return "mock"
}

func (m *MockEngine) Ping(ctx context.Context) error {
	return m.enter(ctx, "Ping")
}

func (m *MockEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	if err := m.enter(ctx, "ImageExists", image); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Images[image], nil
}

func (m *MockEngine) PullImage(ctx context.Context, image string) error {
	if err := m.enter(ctx, "PullImage", image); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[image] = true
	return nil
}

func (m *MockEngine) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if err := m.enter(ctx, "CreateVolume", name, labels); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Volumes[name] = true
	return nil
}

func (m *MockEngine) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if err := m.enter(ctx, "Create", opts); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Name != "" && m.lookup(opts.Name) != nil {
		return "", fmt.Errorf("%w: %s", ErrNameConflict, opts.Name)
	}
	if !m.Images[opts.Image] {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, opts.Image)
	}
	ref := m.newRef()
	m.Containers[ref] = &ContainerInfo{
		Ref:    ref,
		Name:   opts.Name,
		Image:  opts.Image,
		State:  StateStopped,
		Labels: opts.Labels,
	}
	return ref, nil
}

func (m *MockEngine) Start(ctx context.Context, ref string) error {
	if err := m.enter(ctx, "Start", ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(ref)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	c.State = StateRunning
	return nil
}

func (m *MockEngine) Stop(ctx context.Context, ref string) error {
	if err := m.enter(ctx, "Stop", ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.lookup(ref); c != nil {
		c.State = StateStopped
	}
	return nil
}

func (m *MockEngine) Remove(ctx context.Context, ref string) error {
	if err := m.enter(ctx, "Remove", ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.lookup(ref); c != nil {
		delete(m.Containers, c.Ref)
	}
	return nil
}

func (m *MockEngine) Inspect(ctx context.Context, ref string) (*ContainerInfo, error) {
	if err := m.enter(ctx, "Inspect", ref); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.lookup(ref)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	info := *c
	return &info, nil
}

func (m *MockEngine) Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) (*ExecResult, error) {
	if err := m.enter(ctx, "Exec", ref, cmd); err != nil {
		return nil, err
	}
	m.mu.RLock()
	c := m.lookup(ref)
	handler := m.ExecHandler
	m.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	if handler == nil {
		return &ExecResult{}, nil
	}
	return handler(ref, cmd, opts)
}

func (m *MockEngine) Attach(ctx context.Context, ref string, opts AttachOptions) (Stream, error) {
	if err := m.enter(ctx, "Attach", ref, opts); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(ref)
	if c == nil || c.State != StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	s := NewMockStream(opts.Cols, opts.Rows)
	m.Streams = append(m.Streams, s)
	return s, nil
}

// MockStream is an in-memory Stream. Tests play the process side: Feed
// produces output, Written returns what was sent to it, and Exit ends it.
type MockStream struct {
	out    *io.PipeWriter
	reader *deadlineReader

	mu      sync.Mutex
	written bytes.Buffer
	sizes   [][2]uint16
	closed  bool
	closeCh chan struct{}
	inErr   error
}

// NewMockStream creates a stream with the initial window size.
func NewMockStream(cols, rows uint16) *MockStream {
	pr, pw := io.Pipe()
	return &MockStream{
		out:     pw,
		reader:  newDeadlineReader(pr),
		sizes:   [][2]uint16{{cols, rows}},
		closeCh: make(chan struct{}),
	}
}

// Feed writes process output. It blocks until the output has been read.
func (s *MockStream) Feed(p []byte) error {
	_, err := s.out.Write(p)
	return err
}

// Exit ends the process side; reads drain and then return io.EOF.
func (s *MockStream) Exit() {
	_ = s.out.Close()
}

// BreakInput makes every later Write fail with err, as when the process
// closed its stdin.
func (s *MockStream) BreakInput(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inErr = err
}

// Written returns a copy of everything written to the stream.
func (s *MockStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.written.Bytes())
}

// Sizes returns the initial size followed by every resize.
func (s *MockStream) Sizes() [][2]uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]uint16, len(s.sizes))
	copy(out, s.sizes)
	return out
}

// Closed reports whether Close has been called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when Close is called.
func (s *MockStream) Done() <-chan struct{} {
	return s.closeCh
}

func (s *MockStream) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *MockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.inErr != nil {
		return 0, s.inErr
	}
	return s.written.Write(p)
}

func (s *MockStream) SetReadDeadline(t time.Time) error {
	s.reader.SetDeadline(t)
	return nil
}

func (s *MockStream) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.sizes = append(s.sizes, [2]uint16{cols, rows})
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closeCh)
	_ = s.out.CloseWithError(io.ErrClosedPipe)
	s.reader.Close()
	return nil
}

// Ensure MockEngine implements Engine.
var _ Engine = (*MockEngine)(nil)
