// Package container implements the bus's container-instance manager:
// restricted listening sockets created on demand for sandboxed
// applications, with bounded resource usage and an auditable lifecycle.
//
// The Registry owns the authoritative instance table. Instances,
// listener bindings, and confined-connection tags hold back-references
// and consult the Registry before acting, so teardown races (explicit
// stop, manager disconnect, last client gone) converge on exactly one
// removal per instance.
package container

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	busPkg "github.com/p-arndt/busbahnhof/internal/bus"
	"github.com/p-arndt/busbahnhof/internal/config"
	"github.com/p-arndt/busbahnhof/internal/names"
	"github.com/p-arndt/busbahnhof/internal/variant"
	"github.com/p-arndt/busbahnhof/protocol"
)

const (
	// Interface is the manager interface answered by the daemon.
	Interface = "org.busbahnhof.Containers1"

	objectPathPrefix = "/org/busbahnhof/Containers1"

	signalInstanceRemoved = "InstanceRemoved"
)

// Audit event names recorded per instance lifecycle transition.
const (
	auditEventCreated          = "created"
	auditEventStoppedListening = "stopped_listening"
	auditEventRemoved          = "removed"
)

// Auditor records instance lifecycle events. Implementations must not
// block for long; failures are logged and never abort the operation
// being audited.
type Auditor interface {
	Record(event, path, containerType, appName string, creatorUID uint32) error
}

// Tag is the immutable association carried by a confined connection.
type Tag struct {
	Path          string
	ContainerType string
	AppName       string
}

// Registry is the process-wide table of live container instances.
type Registry struct {
	cfg     config.Containers
	bus     *busPkg.Bus
	auditor Auditor // nil disables auditing
	logger  *slog.Logger

	mu          sync.Mutex
	instances   map[string]*Instance
	confined    map[*busPkg.Conn]Tag
	perUID      map[uint32]int
	nextID      uint64
	idExhausted bool
	socketDir   string // memoized by EnsureSocketDir

	// emitMu serializes removal notifications in removal order. It is
	// acquired under mu but held across the peer writes, so a slow
	// peer can delay notifications without wedging the registry.
	emitMu sync.Mutex
}

func NewRegistry(cfg config.Containers, b *busPkg.Bus, auditor Auditor, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		bus:       b,
		auditor:   auditor,
		logger:    logger,
		instances: make(map[string]*Instance),
		confined:  make(map[*busPkg.Conn]Tag),
		perUID:    make(map[uint32]int),
	}
}

// CreateInstance allocates, registers, and starts listening for a new
// instance. On any failure nothing stays registered: a bind failure
// after registration unregisters what was registered, in reverse order
// of acquisition.
func (r *Registry) CreateInstance(manager *busPkg.Conn, containerType, appName string, metadata variant.Dict) (*Instance, error) {
	if !names.IsValidInterfaceName(containerType) {
		return nil, fmt.Errorf("container type %q is not a valid interface name: %w", containerType, ErrInvalidArgs)
	}

	creator := manager.Credentials()

	r.mu.Lock()
	if r.idExhausted {
		r.mu.Unlock()
		return nil, fmt.Errorf("instance id space exhausted: %w", ErrLimitsExceeded)
	}
	if r.cfg.MaxInstances > 0 && len(r.instances) >= r.cfg.MaxInstances {
		r.mu.Unlock()
		return nil, fmt.Errorf("already at the maximum of %d container instances: %w",
			r.cfg.MaxInstances, ErrLimitsExceeded)
	}
	if r.cfg.MaxInstancesPerUID > 0 && r.perUID[creator.UID] >= r.cfg.MaxInstancesPerUID {
		r.mu.Unlock()
		return nil, fmt.Errorf("uid %d already has the maximum of %d container instances: %w",
			creator.UID, r.cfg.MaxInstancesPerUID, ErrLimitsExceeded)
	}

	dir, err := r.ensureSocketDirLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	id := r.nextID
	if r.nextID == math.MaxUint64 {
		r.idExhausted = true
	} else {
		r.nextID++
	}

	inst := &Instance{
		registry:      r,
		id:            id,
		path:          instancePath(id),
		containerType: containerType,
		appName:       appName,
		metadata:      metadata.Clone(),
		creator:       creator,
		manager:       manager,
		clients:       make(map[*busPkg.Conn]struct{}),
	}
	r.instances[inst.path] = inst
	r.perUID[creator.UID]++
	r.mu.Unlock()

	// Audit at registration, not after the bind: the rollback below
	// records a removal, and every removal needs a matching creation.
	r.auditEvent(auditEventCreated, inst)

	if err := inst.listen(dir); err != nil {
		r.removeInstance(inst)
		return nil, err
	}

	if r.cfg.StopOnManagerDisconnect {
		manager.OnClose(func() {
			r.logger.Info("manager disconnected, stopping instance",
				"path", inst.path, "manager", manager.UniqueName())
			inst.StopListening()
		})
	}

	r.logger.Info("container instance created",
		"path", inst.path, "type", containerType, "app", appName,
		"creator_uid", creator.UID, "socket", inst.SocketPath())
	return inst, nil
}

// Lookup resolves an instance path to its live instance.
func (r *Registry) Lookup(path string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[path]
	return inst, ok
}

// Paths returns the live instance paths in creation order.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	sort.Slice(instances, func(a, b int) bool { return instances[a].id < instances[b].id })
	paths := make([]string, len(instances))
	for i, inst := range instances {
		paths[i] = inst.path
	}
	return paths
}

// LookupByConnection answers whether conn is a confined connection and,
// if so, its identity tag.
func (r *Registry) LookupByConnection(conn *busPkg.Conn) (Tag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag, ok := r.confined[conn]
	return tag, ok
}

// ActiveSocketPaths returns the socket files owned by live instances.
// Used by the janitor to leave them alone during sweeps.
func (r *Registry) ActiveSocketPaths() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make(map[string]struct{}, len(r.instances))
	for _, inst := range r.instances {
		if p := inst.SocketPath(); p != "" {
			active[p] = struct{}{}
		}
	}
	return active
}

// tagConnection attaches the immutable instance association to a
// connection accepted through the instance's listener.
func (r *Registry) tagConnection(conn *busPkg.Conn, inst *Instance) {
	r.mu.Lock()
	r.confined[conn] = Tag{
		Path:          inst.path,
		ContainerType: inst.containerType,
		AppName:       inst.appName,
	}
	r.mu.Unlock()

	conn.OnClose(func() {
		r.mu.Lock()
		delete(r.confined, conn)
		r.mu.Unlock()
		inst.clientClosed(conn)
	})
	r.logger.Debug("tagged confined connection",
		"conn", conn.UniqueName(), "path", inst.path)
}

// removeInstance unregisters an instance. Idempotent: the removal
// notification and audit record are emitted exactly once per path no
// matter how many teardown paths race here.
func (r *Registry) removeInstance(inst *Instance) {
	r.mu.Lock()
	if _, ok := r.instances[inst.path]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.instances, inst.path)
	if r.perUID[inst.creator.UID]--; r.perUID[inst.creator.UID] <= 0 {
		delete(r.perUID, inst.creator.UID)
	}
	// Take the emit lock before releasing the registry lock, so
	// notifications go out in removal order without the registry lock
	// being held across peer writes.
	r.emitMu.Lock()
	r.mu.Unlock()
	r.bus.Broadcast(protocol.NewSignal(Interface, signalInstanceRemoved,
		variant.ObjectPath(inst.path)))
	r.emitMu.Unlock()

	r.auditEvent(auditEventRemoved, inst)
	r.logger.Info("container instance removed", "path", inst.path)
}

// Shutdown force-stops every live instance. Called on daemon exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Stop()
	}
}

// EnsureSocketDir returns the base directory for new listen sockets,
// deriving and creating it on first use. The result is memoized for
// the registry's lifetime; later environment changes are not observed.
func (r *Registry) EnsureSocketDir() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureSocketDirLocked()
}

func (r *Registry) ensureSocketDirLocked() (string, error) {
	if r.socketDir != "" {
		return r.socketDir, nil
	}

	var dir string
	switch {
	case r.cfg.SocketDir != "":
		dir = r.cfg.SocketDir
	case os.Getenv("XDG_RUNTIME_DIR") != "":
		dir = filepath.Join(os.Getenv("XDG_RUNTIME_DIR"), "busbahnhof", "containers")
	default:
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	r.socketDir = dir
	return dir, nil
}

func (r *Registry) auditEvent(event string, inst *Instance) {
	if r.auditor == nil {
		return
	}
	err := r.auditor.Record(event, inst.path, inst.containerType, inst.appName, inst.creator.UID)
	if err != nil {
		r.logger.Error("audit record failed", "event", event, "path", inst.path, "error", err)
	}
}
