package container

import (
	"errors"
	"log/slog"
	"sort"

	busPkg "github.com/p-arndt/busbahnhof/internal/bus"
	"github.com/p-arndt/busbahnhof/internal/names"
	"github.com/p-arndt/busbahnhof/internal/variant"
	"github.com/p-arndt/busbahnhof/protocol"
)

// Manager answers the org.busbahnhof.Containers1 interface. It
// performs the semantic validation of method arguments (string syntax,
// size limits, authorization) and translates registry results into
// replies or typed errors; argument shape is checked as the arguments
// are read.
type Manager struct {
	registry *Registry
	bus      *busPkg.Bus
	logger   *slog.Logger
}

func NewManager(registry *Registry, b *busPkg.Bus, logger *slog.Logger) *Manager {
	return &Manager{registry: registry, bus: b, logger: logger}
}

// Install registers the manager interface on the bus. When the
// container subsystem is disabled this is simply never called and the
// interface is absent.
func (m *Manager) Install() {
	m.bus.RegisterInterface(Interface, m.handleCall)
}

func (m *Manager) handleCall(caller *busPkg.Conn, call protocol.Message) ([]variant.Value, error) {
	switch call.Member {
	case "AddServer":
		return m.addServer(caller, call.Args)
	case "StopListening":
		return m.stopListening(caller, call.Args)
	case "StopInstance":
		return m.stopInstance(caller, call.Args)
	case "GetInstanceInfo":
		return m.getInstanceInfo(call.Args)
	case "GetConnectionInstance":
		return m.getConnectionInstance(call.Args)
	case "GetSupportedArguments":
		return m.getSupportedArguments()
	case "GetInstances":
		return m.getInstances()
	default:
		return nil, busPkg.NewCallError(busPkg.ErrorUnknownMethod,
			"no such method %s.%s", Interface, call.Member)
	}
}

// addServer validates in a fixed order; the first failure wins and
// later arguments are not inspected further.
func (m *Manager) addServer(caller *busPkg.Conn, args []variant.Value) ([]variant.Value, error) {
	containerType, ok := argString(args, 0)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "AddServer argument 0 must be a string")
	}
	if !names.IsValidInterfaceName(containerType) {
		return nil, busPkg.NewCallError(ErrorInvalidArgs,
			"container type %q is not a valid interface name", containerType)
	}

	appName, ok := argString(args, 1)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "AddServer argument 1 must be a string")
	}

	metadata, ok := argDict(args, 2)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "AddServer argument 2 must be a dict")
	}

	namedArgs, ok := argDict(args, 3)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "AddServer argument 3 must be a dict")
	}
	// No named arguments are defined yet, so every key is unrecognized.
	if len(namedArgs) > 0 {
		keys := make([]string, 0, len(namedArgs))
		for k := range namedArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, busPkg.NewCallError(ErrorInvalidArgs,
			"unknown named argument %q", keys[0])
	}

	if limit := m.registry.cfg.MaxMetadataBytes; limit > 0 {
		size, err := metadata.SerializedSize()
		if err != nil {
			return nil, busPkg.NewCallError(ErrorInvalidArgs, "metadata is not serializable: %v", err)
		}
		if int64(size) > limit {
			return nil, busPkg.NewCallError(ErrorLimitsExceeded,
				"metadata size %d exceeds the maximum of %d bytes", size, limit)
		}
	}

	// Connections confined to an instance may not create further
	// instances: no nesting.
	if tag, confined := m.registry.LookupByConnection(caller); confined {
		return nil, busPkg.NewCallError(ErrorAccessDenied,
			"connection is confined to %s and cannot create instances", tag.Path)
	}

	inst, err := m.registry.CreateInstance(caller, containerType, appName, metadata)
	if err != nil {
		return nil, wireError(err)
	}
	return []variant.Value{
		variant.ObjectPath(inst.Path()),
		variant.Bytes([]byte(inst.SocketPath())),
		variant.String(inst.Address()),
	}, nil
}

func (m *Manager) stopListening(caller *busPkg.Conn, args []variant.Value) ([]variant.Value, error) {
	inst, err := m.resolveForStop(caller, args)
	if err != nil {
		return nil, err
	}
	inst.StopListening()
	return nil, nil
}

func (m *Manager) stopInstance(caller *busPkg.Conn, args []variant.Value) ([]variant.Value, error) {
	inst, err := m.resolveForStop(caller, args)
	if err != nil {
		return nil, err
	}
	inst.Stop()
	return nil, nil
}

// resolveForStop shares the path-lookup and authorization rules of the
// Stop* methods: only the manager connection that created the instance
// or a privileged caller (root, or the daemon's own uid) may stop it.
func (m *Manager) resolveForStop(caller *busPkg.Conn, args []variant.Value) (*Instance, error) {
	path, ok := argObjectPath(args, 0)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "argument 0 must be an object path")
	}
	inst, ok := m.registry.Lookup(path)
	if !ok {
		return nil, busPkg.NewCallError(ErrorNotContainer, "no container instance at %s", path)
	}
	if caller != inst.Manager() && !m.privileged(caller) {
		return nil, busPkg.NewCallError(ErrorAccessDenied,
			"only the manager of %s may stop it", path)
	}
	return inst, nil
}

func (m *Manager) privileged(caller *busPkg.Conn) bool {
	uid := caller.Credentials().UID
	return uid == 0 || uid == m.bus.DaemonUID()
}

func (m *Manager) getInstanceInfo(args []variant.Value) ([]variant.Value, error) {
	path, ok := argObjectPath(args, 0)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "argument 0 must be an object path")
	}
	inst, ok := m.registry.Lookup(path)
	if !ok {
		return nil, busPkg.NewCallError(ErrorNotContainer, "no container instance at %s", path)
	}
	return []variant.Value{
		variant.DictValue(inst.Creator().AsDict()),
		variant.String(inst.ContainerType()),
		variant.String(inst.AppName()),
		variant.DictValue(inst.Metadata()),
	}, nil
}

func (m *Manager) getConnectionInstance(args []variant.Value) ([]variant.Value, error) {
	busName, ok := argString(args, 0)
	if !ok {
		return nil, busPkg.NewCallError(ErrorInvalidArgs, "argument 0 must be a string")
	}

	if busName == m.bus.Name() {
		return nil, busPkg.NewCallError(ErrorNotContainer,
			"the bus itself is not a confined connection")
	}
	conn, ok := m.bus.LookupPeer(busName)
	if !ok {
		return nil, busPkg.NewCallError(busPkg.ErrorNameHasNoOwner,
			"name %q has no owner", busName)
	}
	tag, confined := m.registry.LookupByConnection(conn)
	if !confined {
		return nil, busPkg.NewCallError(ErrorNotContainer,
			"connection %s is not confined to a container instance", busName)
	}
	inst, ok := m.registry.Lookup(tag.Path)
	if !ok {
		// The tag outlived its instance; without the instance there is
		// no creator or metadata left to report.
		return nil, busPkg.NewCallError(ErrorNotContainer,
			"container instance %s is gone", tag.Path)
	}
	return []variant.Value{
		variant.ObjectPath(inst.Path()),
		variant.DictValue(inst.Creator().AsDict()),
		variant.String(inst.ContainerType()),
		variant.String(inst.AppName()),
		variant.DictValue(inst.Metadata()),
	}, nil
}

// getSupportedArguments reports the recognized AddServer named-argument
// keys so clients can detect capabilities without trial and error.
// None are defined yet.
func (m *Manager) getSupportedArguments() ([]variant.Value, error) {
	return []variant.Value{variant.StringArray([]string{})}, nil
}

func (m *Manager) getInstances() ([]variant.Value, error) {
	paths := m.registry.Paths()
	values := make([]string, len(paths))
	copy(values, paths)
	return []variant.Value{variant.StringArray(values)}, nil
}

// wireError maps internal sentinel errors to their wire names. Errors
// with no mapping are I/O failures from the listener layer, surfaced
// verbatim.
func wireError(err error) *busPkg.CallError {
	switch {
	case errors.Is(err, ErrInvalidArgs):
		return &busPkg.CallError{Name: ErrorInvalidArgs, Text: err.Error()}
	case errors.Is(err, ErrLimitsExceeded):
		return &busPkg.CallError{Name: ErrorLimitsExceeded, Text: err.Error()}
	case errors.Is(err, ErrAccessDenied):
		return &busPkg.CallError{Name: ErrorAccessDenied, Text: err.Error()}
	case errors.Is(err, ErrNotContainer):
		return &busPkg.CallError{Name: ErrorNotContainer, Text: err.Error()}
	default:
		return &busPkg.CallError{Name: ErrorIOError, Text: err.Error()}
	}
}

func argString(args []variant.Value, index int) (string, bool) {
	if index >= len(args) {
		return "", false
	}
	return args[index].AsString()
}

func argObjectPath(args []variant.Value, index int) (string, bool) {
	if index >= len(args) {
		return "", false
	}
	return args[index].AsObjectPath()
}

func argDict(args []variant.Value, index int) (variant.Dict, bool) {
	if index >= len(args) {
		return nil, false
	}
	return args[index].AsDict()
}
