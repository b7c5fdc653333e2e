package container

import (
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/p-arndt/busbahnhof/internal/bus"
	"github.com/p-arndt/busbahnhof/internal/config"
	"github.com/p-arndt/busbahnhof/internal/credentials"
	"github.com/p-arndt/busbahnhof/internal/variant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContainersConfig(t *testing.T) config.Containers {
	return config.Containers{
		Enabled:                 true,
		MaxMetadataBytes:        64 * 1024,
		SocketDir:               t.TempDir(),
		StopOnManagerDisconnect: true,
	}
}

// recordingAuditor collects lifecycle events in memory.
type recordingAuditor struct {
	mu     sync.Mutex
	events []string // "event path"
}

func (a *recordingAuditor) Record(event, path, containerType, appName string, creatorUID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+" "+path)
	return nil
}

func (a *recordingAuditor) count(entry string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == entry {
			n++
		}
	}
	return n
}

func newRegistryForTest(t *testing.T, mutate func(*config.Containers)) (*Registry, *busPkg.Bus, *recordingAuditor) {
	t.Helper()
	cfg := testContainersConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	b := busPkg.New("org.busbahnhof.Bus1", testLogger())
	auditor := &recordingAuditor{}
	r := NewRegistry(cfg, b, auditor, testLogger())
	t.Cleanup(func() {
		r.Shutdown()
		b.Close()
	})
	return r, b, auditor
}

// pipePeer registers an in-process peer with explicit credentials. The
// far end of the pipe is drained so signal writes complete immediately
// instead of waiting out the write deadline.
func pipePeer(t *testing.T, b *busPkg.Bus, creds credentials.Credentials) (*busPkg.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn, err := b.AdmitPeerWithCredentials(server, creds)
	require.NoError(t, err)
	conn.Start()
	go io.Copy(io.Discard, client)
	t.Cleanup(func() {
		client.Close()
		conn.Close()
	})
	return conn, client
}

func testCreds(uid uint32) credentials.Credentials {
	return credentials.Credentials{UID: uid, GID: uid, PID: 1234}
}

func TestCreateInstanceAllocatesSequentialPaths(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	var paths []string
	for i := 0; i < 3; i++ {
		inst, err := r.CreateInstance(manager, "com.example.App", "demo", nil)
		require.NoError(t, err)
		paths = append(paths, inst.Path())
	}

	assert.Equal(t, []string{
		"/org/busbahnhof/Containers1/c0",
		"/org/busbahnhof/Containers1/c1",
		"/org/busbahnhof/Containers1/c2",
	}, paths)
	assert.Equal(t, paths, r.Paths())
}

func TestCreateInstanceInvalidTypeName(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	_, err := r.CreateInstance(manager, "NoDots", "demo", nil)
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.Empty(t, r.Paths())
}

func TestCreateInstanceIDExhaustion(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	r.mu.Lock()
	r.nextID = math.MaxUint64
	r.mu.Unlock()

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "/org/busbahnhof/Containers1/c18446744073709551615", inst.Path())

	// The counter never wraps; once the id space is spent no further
	// instances can be created, even after removals.
	inst.Stop()
	_, err = r.CreateInstance(manager, "com.example.App", "", nil)
	assert.ErrorIs(t, err, ErrLimitsExceeded)
}

func TestCreateInstanceFreezesMetadata(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	metadata := variant.Dict{"Key": variant.String("before")}
	inst, err := r.CreateInstance(manager, "com.example.App", "demo", metadata)
	require.NoError(t, err)

	metadata["Key"] = variant.String("after")
	got, _ := inst.Metadata()["Key"].AsString()
	assert.Equal(t, "before", got)
}

func TestGlobalInstanceLimit(t *testing.T) {
	r, b, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.MaxInstances = 2
	})
	manager, _ := pipePeer(t, b, testCreds(1000))

	first, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	_, err = r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	_, err = r.CreateInstance(manager, "com.example.App", "", nil)
	assert.ErrorIs(t, err, ErrLimitsExceeded)

	// Removing one instance frees a slot; the new instance gets a
	// fresh path, never a reused one.
	first.Stop()
	third, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "/org/busbahnhof/Containers1/c2", third.Path())
}

func TestPerUIDInstanceLimit(t *testing.T) {
	r, b, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.MaxInstancesPerUID = 1
	})
	alice, _ := pipePeer(t, b, testCreds(1000))
	bob, _ := pipePeer(t, b, testCreds(1001))

	_, err := r.CreateInstance(alice, "com.example.App", "", nil)
	require.NoError(t, err)

	_, err = r.CreateInstance(alice, "com.example.App", "", nil)
	assert.ErrorIs(t, err, ErrLimitsExceeded)

	// A different uid is not affected by alice's count.
	_, err = r.CreateInstance(bob, "com.example.App", "", nil)
	assert.NoError(t, err)
}

func TestSocketDirDerivedFromRuntimeDirAndMemoized(t *testing.T) {
	runtimeDir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)

	r, _, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.SocketDir = ""
	})

	dir, err := r.EnsureSocketDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runtimeDir, "busbahnhof", "containers"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Environment changes after the first derivation are not observed.
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	again, err := r.EnsureSocketDir()
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestSocketDirFallsBackToTempDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	r, _, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.SocketDir = ""
	})

	dir, err := r.EnsureSocketDir()
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), dir)
}

func TestBindFailureUnregisters(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	r, b, auditor := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	dir, err := r.EnsureSocketDir()
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	_, err = r.CreateInstance(manager, "com.example.App", "", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLimitsExceeded)
	assert.Empty(t, r.Paths(), "a failed creation must not stay registered")

	// The rollback leaves a paired audit trail, never an orphan
	// removal.
	failedPath := "/org/busbahnhof/Containers1/c0"
	assert.Equal(t, 1, auditor.count("created "+failedPath))
	assert.Equal(t, 1, auditor.count("removed "+failedPath))

	// The failed slot is fully released: with the directory writable
	// again the same uid can create instances up to its cap.
	require.NoError(t, os.Chmod(dir, 0o700))
	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "/org/busbahnhof/Containers1/c1", inst.Path(), "ids are never reused")
}

func TestRemovalNotBlockedByStalledPeer(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	// A peer that never reads: the removal notification to it blocks
	// until it is drained.
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	stalled, err := b.AdmitPeerWithCredentials(server, testCreds(1001))
	require.NoError(t, err)
	stalled.Start()

	done := make(chan struct{})
	go func() {
		inst.StopListening()
		close(done)
	}()

	// The registry stays usable while the notification is stuck: the
	// removal is already visible and new instances can be created.
	require.Eventually(t, func() bool {
		_, ok := r.Lookup(inst.Path())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	next, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "/org/busbahnhof/Containers1/c1", next.Path())

	// Draining the peer lets the stuck notification finish.
	go io.Copy(io.Discard, client)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("removal never completed after the peer was drained")
	}
}

func TestStopDuringSetupClosesFreshListener(t *testing.T) {
	r, _, _ := newRegistryForTest(t, nil)

	dir, err := r.EnsureSocketDir()
	require.NoError(t, err)

	// An instance force-stopped in the window between registration and
	// bind: the bind must not install or leak a listener.
	inst := &Instance{
		registry:      r,
		id:            99,
		path:          instancePath(99),
		containerType: "com.example.App",
		clients:       make(map[*busPkg.Conn]struct{}),
	}
	inst.stopped = true

	err = inst.listen(dir)
	require.ErrorIs(t, err, ErrNotContainer)
	assert.False(t, inst.Listening())
	assert.Empty(t, inst.SocketPath())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no socket file may outlive the stop")
}

func TestRemoveInstanceExactlyOnce(t *testing.T) {
	r, b, auditor := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	r.removeInstance(inst)
	r.removeInstance(inst)
	inst.StopListening()
	inst.Stop()

	assert.Equal(t, 1, auditor.count("removed "+inst.Path()))
}

func TestStopListeningWithoutClientsRemovesImmediately(t *testing.T) {
	r, b, auditor := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)
	socketPath := inst.SocketPath()

	inst.StopListening()

	_, ok := r.Lookup(inst.Path())
	assert.False(t, ok)
	_, statErr := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(statErr), "socket file should be unlinked")
	assert.Equal(t, 1, auditor.count("stopped_listening "+inst.Path()))

	// Still idempotent after removal.
	inst.StopListening()
	assert.Equal(t, 1, auditor.count("stopped_listening "+inst.Path()))
	assert.Equal(t, 1, auditor.count("removed "+inst.Path()))
}

func TestStopListeningKeepsClientsUntilLastDisconnect(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	client, err := net.Dial("unix", inst.SocketPath())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return inst.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	inst.StopListening()

	// The existing client keeps the instance registered; new
	// connections are no longer possible.
	_, ok := r.Lookup(inst.Path())
	assert.True(t, ok)
	_, dialErr := net.Dial("unix", inst.SocketPath())
	assert.Error(t, dialErr)

	client.Close()
	assert.Eventually(t, func() bool {
		_, ok := r.Lookup(inst.Path())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionCapRefusesExcess(t *testing.T) {
	r, b, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.MaxConnectionsPerInstance = 1
	})
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	first, err := net.Dial("unix", inst.SocketPath())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return inst.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The second connection is accepted by the kernel but refused by
	// the binding: it is closed without ever being counted.
	second, err := net.Dial("unix", inst.SocketPath())
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, readErr := second.Read(make([]byte, 1))
	assert.ErrorIs(t, readErr, io.EOF)
	assert.Equal(t, 1, inst.ClientCount())
}

func TestStopForceDisconnectsClients(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	client, err := net.Dial("unix", inst.SocketPath())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return inst.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	inst.Stop()

	// Removal is visible before the client sockets finish closing.
	_, ok := r.Lookup(inst.Path())
	assert.False(t, ok)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, readErr := client.Read(make([]byte, 1))
	assert.ErrorIs(t, readErr, io.EOF)
}

func TestManagerDisconnectStopsInstance(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, managerPipe := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "demo", nil)
	require.NoError(t, err)
	socketPath := inst.SocketPath()

	managerPipe.Close()

	assert.Eventually(t, func() bool {
		_, ok := r.Lookup(inst.Path())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, statErr := os.Stat(socketPath)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerDisconnectIgnoredWhenConfigured(t *testing.T) {
	r, b, _ := newRegistryForTest(t, func(cfg *config.Containers) {
		cfg.StopOnManagerDisconnect = false
	})
	manager, managerPipe := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
	require.NoError(t, err)

	managerPipe.Close()
	time.Sleep(100 * time.Millisecond)

	_, ok := r.Lookup(inst.Path())
	assert.True(t, ok, "instance survives its manager when teardown is deferred")
	assert.True(t, inst.Listening())
}

func TestShutdownStopsEverything(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	var socketPaths []string
	for i := 0; i < 2; i++ {
		inst, err := r.CreateInstance(manager, "com.example.App", "", nil)
		require.NoError(t, err)
		socketPaths = append(socketPaths, inst.SocketPath())
	}

	r.Shutdown()

	assert.Empty(t, r.Paths())
	for _, p := range socketPaths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "socket %s should be unlinked", p)
	}
}

func TestLookupByConnectionTagsConfinedClients(t *testing.T) {
	r, b, _ := newRegistryForTest(t, nil)
	manager, _ := pipePeer(t, b, testCreds(1000))

	inst, err := r.CreateInstance(manager, "com.example.App", "demo", nil)
	require.NoError(t, err)

	// The manager itself is not confined.
	_, confined := r.LookupByConnection(manager)
	assert.False(t, confined)

	client, err := net.Dial("unix", inst.SocketPath())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return inst.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	var tag Tag
	found := false
	r.mu.Lock()
	for _, tagged := range r.confined {
		tag = tagged
		found = true
	}
	r.mu.Unlock()
	require.True(t, found)
	assert.Equal(t, Tag{
		Path:          inst.Path(),
		ContainerType: "com.example.App",
		AppName:       "demo",
	}, tag)
}
