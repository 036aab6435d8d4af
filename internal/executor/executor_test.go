package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentdex/SentboxFusion/internal/container"
	"github.com/Sentdex/SentboxFusion/internal/filecache"
	"github.com/Sentdex/SentboxFusion/internal/logging"
	"github.com/Sentdex/SentboxFusion/internal/session"
)

// engineSim interprets tiny scripts against per-container state so tests
// can distinguish what lives in a container (files, variables) from what
// lives in the cache. Commands, one per line:
//
//	write <path> <content>   create a file in the container
//	read <path>              print a file or exit 1
//	set <name> <value>       set runtime state
//	get <name>               print runtime state or exit 1
//	block                    park until the test releases blockCh
type engineSim struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*simContainer
	maxLive    int
	failStarts int
	failWrites int
	failRuns   int
	blockCh    chan struct{}
}

type simContainer struct {
	language string
	files    map[string][]byte
	vars     map[string]string
}

func newEngineSim() *engineSim {
	return &engineSim{containers: make(map[string]*simContainer)}
}

func (e *engineSim) Start(_ context.Context, language string) (*container.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failStarts > 0 {
		e.failStarts--
		return nil, errors.New("daemon hiccup")
	}
	e.seq++
	id := fmt.Sprintf("c-%d", e.seq)
	e.containers[id] = &simContainer{
		language: language,
		files:    make(map[string][]byte),
		vars:     make(map[string]string),
	}
	if len(e.containers) > e.maxLive {
		e.maxLive = len(e.containers)
	}
	return &container.Container{ID: id, Language: language, Workdir: "/tmp/" + id}, nil
}

func (e *engineSim) Stop(_ context.Context, c *container.Container, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, c.ID)
	return nil
}

func (e *engineSim) Run(_ context.Context, c *container.Container, code string, _ time.Duration) (container.Result, error) {
	if strings.TrimSpace(code) == "block" {
		<-e.blockCh
		return container.Result{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRuns > 0 {
		e.failRuns--
		return container.Result{ExitCode: -1}, errors.New("exec attach refused")
	}
	sc, ok := e.containers[c.ID]
	if !ok {
		return container.Result{ExitCode: -1}, errors.New("container gone")
	}

	var stdout, stderr strings.Builder
	exitCode := 0
	for _, line := range strings.Split(code, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "write":
			sc.files[fields[1]] = []byte(strings.Join(fields[2:], " "))
		case "read":
			data, ok := sc.files[fields[1]]
			if !ok {
				stderr.WriteString("no such file: " + fields[1])
				exitCode = 1
				continue
			}
			stdout.Write(data)
		case "set":
			sc.vars[fields[1]] = strings.Join(fields[2:], " ")
		case "get":
			value, ok := sc.vars[fields[1]]
			if !ok {
				stderr.WriteString("undefined: " + fields[1])
				exitCode = 1
				continue
			}
			stdout.WriteString(value)
		}
	}

	return container.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Millisecond,
	}, nil
}

func (e *engineSim) WriteFile(_ context.Context, c *container.Container, path string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWrites > 0 {
		e.failWrites--
		return errors.New("workspace write refused")
	}
	sc, ok := e.containers[c.ID]
	if !ok {
		return errors.New("container gone")
	}
	sc.files[path] = append([]byte(nil), data...)
	return nil
}

func (e *engineSim) ReadFile(_ context.Context, c *container.Container, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.containers[c.ID]
	if !ok {
		return nil, errors.New("container gone")
	}
	data, ok := sc.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", container.ErrFileNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (e *engineSim) liveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

type fixture struct {
	service  *Service
	registry *session.Registry
	manager  *container.Manager
	cache    filecache.Cache
	engine   *engineSim
}

func newFixture(t *testing.T, lockWait time.Duration) *fixture {
	t.Helper()
	log := logging.NewNop()
	engine := newEngineSim()
	registry := session.NewRegistry(session.NewMemoryStore(), lockWait, log)
	manager := container.NewManager(engine, container.ManagerConfig{
		LaunchRetries: 2,
		LaunchBackoff: time.Millisecond,
		LaunchTimeout: time.Second,
		StopGrace:     time.Millisecond,
	}, log)
	cache := filecache.NewMemory()
	service := NewService(registry, manager, cache, engine, ServiceConfig{
		ExecTimeout: time.Second,
		DefaultTTL:  time.Minute,
		MaxTTL:      time.Hour,
	}, log)
	return &fixture{service: service, registry: registry, manager: manager, cache: cache, engine: engine}
}

func TestExecuteWriteFetchReadRoundTrip(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	first, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write note.txt hello",
		FetchFiles: []string{"note.txt"},
	})
	if err != nil {
		t.Fatalf("execute write: %v", err)
	}
	if first.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d, stderr=%q", first.ExitCode, first.Stderr)
	}
	if first.Fetched["note.txt"] != FetchOK {
		t.Fatalf("expected note.txt fetched ok, got %q", first.Fetched["note.txt"])
	}

	second, err := f.service.Execute(ctx, sess.ID, Request{Code: "read note.txt"})
	if err != nil {
		t.Fatalf("execute read: %v", err)
	}
	if second.Stdout != "hello" {
		t.Fatalf("expected stdout hello, got %q", second.Stdout)
	}
}

func TestExecuteLanguageSwitchPreservesFetchedFiles(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write hello.txt hi",
		FetchFiles: []string{"hello.txt"},
	}); err != nil {
		t.Fatalf("execute write: %v", err)
	}

	switched, err := f.service.Execute(ctx, sess.ID, Request{
		Language: "bash",
		Code:     "read hello.txt",
	})
	if err != nil {
		t.Fatalf("execute after switch: %v", err)
	}
	if switched.Stdout != "hi" {
		t.Fatalf("expected restored file content hi, got %q (stderr=%q)", switched.Stdout, switched.Stderr)
	}

	loaded, err := f.service.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.Language != "bash" {
		t.Fatalf("expected session language bash, got %q", loaded.Language)
	}
	if loaded.State != session.StateRunning {
		t.Fatalf("expected running state, got %q", loaded.State)
	}
	if f.engine.liveCount() != 1 {
		t.Fatalf("expected exactly one live container, got %d", f.engine.liveCount())
	}
}

func TestExecuteLanguageSwitchResetsRuntimeState(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := f.service.Execute(ctx, sess.ID, Request{Code: "set x 42"}); err != nil {
		t.Fatalf("execute set: %v", err)
	}

	// same language: runtime state survives
	same, err := f.service.Execute(ctx, sess.ID, Request{Code: "get x"})
	if err != nil {
		t.Fatalf("execute get: %v", err)
	}
	if same.Stdout != "42" {
		t.Fatalf("expected runtime state to survive same-language execute, got %q", same.Stdout)
	}

	// switch: fresh container, variables gone
	switched, err := f.service.Execute(ctx, sess.ID, Request{Language: "bash", Code: "get x"})
	if err != nil {
		t.Fatalf("execute after switch: %v", err)
	}
	if switched.ExitCode == 0 {
		t.Fatalf("expected runtime state reset after switch, got stdout %q", switched.Stdout)
	}
}

func TestExecuteFetchMissingFileIsItemized(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	result, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write other.txt data",
		FetchFiles: []string{"other.txt", "missing.txt"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("missing fetch must not fail the execution, exit=%d", result.ExitCode)
	}
	if result.Fetched["other.txt"] != FetchOK {
		t.Fatalf("expected other.txt ok, got %q", result.Fetched["other.txt"])
	}
	if result.Fetched["missing.txt"] != FetchMissing {
		t.Fatalf("expected missing.txt missing, got %q", result.Fetched["missing.txt"])
	}
}

func TestExecuteUnknownSession(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.service.Execute(context.Background(), "nope", Request{Code: "read x"})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExecuteExpiredSession(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, "python", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	_, err = f.service.Execute(ctx, sess.ID, Request{Code: "read x"})
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestExecuteInvalidLanguageOverride(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	_, err = f.service.Execute(ctx, sess.ID, Request{Language: "cobol", Code: "read x"})
	if !errors.Is(err, session.ErrInvalidLanguage) {
		t.Fatalf("expected ErrInvalidLanguage, got %v", err)
	}
	if f.engine.liveCount() != 0 {
		t.Fatalf("invalid language must not launch a container")
	}
}

func TestExecuteProvisioningFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	f.engine.failStarts = 10
	_, err = f.service.Execute(ctx, sess.ID, Request{Code: "read x"})
	if !errors.Is(err, container.ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}

	loaded, err := f.service.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session must survive a provisioning failure: %v", err)
	}
	if loaded.State != session.StateCreated {
		t.Fatalf("expected created state after launch failure, got %q", loaded.State)
	}
	if loaded.ContainerID != "" {
		t.Fatalf("expected no container ref, got %q", loaded.ContainerID)
	}

	// the daemon recovers, a later execute works without intervention
	f.engine.failStarts = 0
	result, err := f.service.Execute(ctx, sess.ID, Request{Code: "write a.txt ok"})
	if err != nil {
		t.Fatalf("execute after recovery: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
}

func TestExecuteRestoreFailureUnbindsContainer(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write note.txt hello",
		FetchFiles: []string{"note.txt"},
	}); err != nil {
		t.Fatalf("execute write: %v", err)
	}

	// the switch launches a fresh container whose hydration fails
	f.engine.failWrites = 1
	if _, err := f.service.Execute(ctx, sess.ID, Request{Language: "bash", Code: "read note.txt"}); err == nil {
		t.Fatal("expected restore failure to fail the execute")
	}

	// the never-hydrated container must not be left bound: a reuse would
	// skip restoration and run without the cached files
	if _, ok := f.manager.Bound(sess.ID); ok {
		t.Fatalf("expected no bound container after restore failure")
	}
	if f.engine.liveCount() != 0 {
		t.Fatalf("expected unhydrated container stopped, got %d live", f.engine.liveCount())
	}

	loaded, err := f.registry.Peek(ctx, sess.ID)
	if err != nil {
		t.Fatalf("peek session: %v", err)
	}
	if loaded.State != session.StateCreated {
		t.Fatalf("expected created state after restore failure, got %q", loaded.State)
	}
	if loaded.ContainerID != "" {
		t.Fatalf("expected no container ref, got %q", loaded.ContainerID)
	}

	// a retry of the same request must see the cached file again
	retried, err := f.service.Execute(ctx, sess.ID, Request{Language: "bash", Code: "read note.txt"})
	if err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	if retried.Stdout != "hello" {
		t.Fatalf("expected cached content hello on retry, got %q (stderr=%q)", retried.Stdout, retried.Stderr)
	}
}

func TestExecuteRunFailureKeepsSessionStateAccurate(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write a.txt x",
		FetchFiles: []string{"a.txt"},
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// the run fails mid-switch: the swap already happened, so the record
	// must not keep claiming a switch is in progress
	f.engine.failRuns = 1
	if _, err := f.service.Execute(ctx, sess.ID, Request{Language: "bash", Code: "read a.txt"}); err == nil {
		t.Fatal("expected run failure to fail the execute")
	}

	// the container survived the failed run, so the record must say so
	bound, ok := f.manager.Bound(sess.ID)
	if !ok {
		t.Fatalf("expected container to stay bound after a run failure")
	}
	loaded, err := f.registry.Peek(ctx, sess.ID)
	if err != nil {
		t.Fatalf("peek session: %v", err)
	}
	if loaded.State != session.StateRunning {
		t.Fatalf("expected running state, got %q", loaded.State)
	}
	if loaded.ContainerID != bound.ID {
		t.Fatalf("expected container ref %q, got %q", bound.ID, loaded.ContainerID)
	}
	if loaded.Language != "bash" {
		t.Fatalf("expected effective language bash recorded, got %q", loaded.Language)
	}

	result, err := f.service.Execute(ctx, sess.ID, Request{Code: "read a.txt"})
	if err != nil {
		t.Fatalf("execute after recovery: %v", err)
	}
	if result.Stdout != "x" {
		t.Fatalf("expected container state intact, got %q", result.Stdout)
	}
}

func TestExecuteBusyAfterLockWait(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	f.engine.blockCh = make(chan struct{})
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = f.service.Execute(ctx, sess.ID, Request{Code: "block"})
	}()
	<-started

	waitFor(t, func() bool {
		return f.engine.liveCount() == 1
	})

	_, err = f.service.Execute(ctx, sess.ID, Request{Code: "read x"})
	if !errors.Is(err, session.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(f.engine.blockCh)
}

func TestConcurrentExecutesKeepSingleContainer(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	languages := []string{"python", "bash", "pybash", "bash", "python", "pybash"}
	var wg sync.WaitGroup
	for _, language := range languages {
		wg.Add(1)
		go func(language string) {
			defer wg.Done()
			if _, err := f.service.Execute(ctx, sess.ID, Request{Language: language, Code: "write f.txt x"}); err != nil {
				t.Errorf("execute %s: %v", language, err)
			}
		}(language)
	}
	wg.Wait()

	if f.engine.maxLive != 1 {
		t.Fatalf("at-most-one-container violated: %d containers were live at once", f.engine.maxLive)
	}
	if f.engine.liveCount() != 1 {
		t.Fatalf("expected exactly one live container at rest, got %d", f.engine.liveCount())
	}

	loaded, err := f.service.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	bound, ok := f.manager.Bound(sess.ID)
	if !ok {
		t.Fatalf("expected a bound container")
	}
	if bound.Language != loaded.Language {
		t.Fatalf("bound language %q diverged from session language %q", bound.Language, loaded.Language)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, "python", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := f.service.Execute(ctx, sess.ID, Request{
		Code:       "write note.txt data",
		FetchFiles: []string{"note.txt"},
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := f.service.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := f.registry.Peek(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
	entries, err := f.cache.GetAll(ctx, sess.ID)
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected cache purged, got %d entries", len(entries))
	}
	if f.engine.liveCount() != 0 {
		t.Fatalf("expected container stopped, got %d live", f.engine.liveCount())
	}

	if err := f.service.DeleteSession(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on double delete, got %v", err)
	}
}

func waitFor(t *testing.T, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
