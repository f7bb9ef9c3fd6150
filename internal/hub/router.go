package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/gohub/internal/protocol"
)

const tracerName = "github.com/Tyrowin/gohub/internal/hub"

// ParamKind is the declared type of one handler parameter. Arguments are
// checked against it when an invocation is bound.
type ParamKind int

const (
	// String binds a JSON string to a Go string.
	String ParamKind = iota + 1
	// Int binds an integral JSON number to int64.
	Int
	// Float binds a JSON number to float64.
	Float
	// Bool binds a JSON boolean.
	Bool
	// JSON keeps the argument as json.RawMessage.
	JSON
	// Any decodes the argument into an untyped Go value.
	Any
)

func (k ParamKind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case JSON:
		return "json"
	case Any:
		return "any"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// HandlerFunc implements one hub method. The returned value becomes the
// invocation result; a returned error becomes an ApplicationFault.
type HandlerFunc func(call *Call) (any, error)

type method struct {
	name   string
	params []ParamKind
	fn     HandlerFunc
}

// Invocation is one decoded remote call.
type Invocation struct {
	// ID is empty for calls that expect no result.
	ID     string
	Method string
	Args   []any
	Caller string
}

// Call is what a handler receives: the invocation plus explicit access to
// the dispatcher, the group table and the identities registered when the
// call was dispatched.
type Call struct {
	*Invocation

	Context     context.Context
	Clients     *Dispatcher
	Groups      *Groups
	Connections []string
}

// StringArg returns argument i bound as String.
func (c *Call) StringArg(i int) string {
	s, _ := c.Args[i].(string)
	return s
}

// IntArg returns argument i bound as Int.
func (c *Call) IntArg(i int) int64 {
	n, _ := c.Args[i].(int64)
	return n
}

// FloatArg returns argument i bound as Float.
func (c *Call) FloatArg(i int) float64 {
	f, _ := c.Args[i].(float64)
	return f
}

// BoolArg returns argument i bound as Bool.
func (c *Call) BoolArg(i int) bool {
	b, _ := c.Args[i].(bool)
	return b
}

// JSONArg returns argument i bound as JSON.
func (c *Call) JSONArg(i int) json.RawMessage {
	raw, _ := c.Args[i].(json.RawMessage)
	return raw
}

// Router maps method names to handlers. The table is filled at startup and
// frozen once the hub serves; lookups afterwards take no write lock.
type Router struct {
	mu      sync.RWMutex
	methods map[string]*method
	frozen  atomic.Bool
	tracer  trace.Tracer
}

// NewRouter creates an empty method table.
func NewRouter() *Router {
	return &Router{
		methods: make(map[string]*method),
		tracer:  otel.Tracer(tracerName),
	}
}

// Register adds a method with its declared parameter kinds.
func (r *Router) Register(name string, fn HandlerFunc, params ...ParamKind) error {
	if name == "" {
		return fmt.Errorf("hub: register: empty method name")
	}
	if fn == nil {
		return fmt.Errorf("hub: register %q: nil handler", name)
	}
	for i, p := range params {
		if p < String || p > Any {
			return fmt.Errorf("hub: register %q: parameter %d has invalid kind %s", name, i, p)
		}
	}
	if r.frozen.Load() {
		return fmt.Errorf("hub: register %q: %w", name, ErrRouterFrozen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("hub: register %q: %w", name, ErrDuplicateMethod)
	}
	r.methods[name] = &method{
		name:   name,
		params: append([]ParamKind(nil), params...),
		fn:     fn,
	}
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Router) MustRegister(name string, fn HandlerFunc, params ...ParamKind) {
	if err := r.Register(name, fn, params...); err != nil {
		panic(err)
	}
}

// Freeze makes the table immutable.
func (r *Router) Freeze() {
	r.frozen.Store(true)
}

// Methods returns the sorted registered method names.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	return r.lookup(name) != nil
}

func (r *Router) lookup(name string) *method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[name]
}

// Decode parses one raw record from caller into an invocation. See Bind.
func (r *Router) Decode(raw []byte, caller string) (*Invocation, error) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	return r.Bind(frame, caller)
}

// Bind converts an Invocation frame into an Invocation whose arguments match
// the target's declared kinds. A frame of another kind, or arguments that do
// not match a registered method, is a ProtocolError. An unknown target is
// not an error here; Dispatch reports it.
func (r *Router) Bind(f *protocol.Frame, caller string) (*Invocation, error) {
	if f.Type != protocol.FrameInvocation {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected %s frame", f.Type)}
	}
	if f.Target == "" {
		return nil, &ProtocolError{Reason: "missing method name"}
	}

	inv := &Invocation{
		ID:     f.InvocationID,
		Method: f.Target,
		Caller: caller,
	}

	m := r.lookup(f.Target)
	if m == nil {
		return inv, nil
	}

	if len(f.Arguments) != len(m.params) {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("method %q expects %d arguments, got %d", m.name, len(m.params), len(f.Arguments)),
		}
	}

	args := make([]any, len(m.params))
	for i, kind := range m.params {
		v, err := bindArgument(kind, f.Arguments[i])
		if err != nil {
			return nil, &ProtocolError{
				Reason: fmt.Sprintf("method %q argument %d is not %s", m.name, i, kind),
				Err:    err,
			}
		}
		args[i] = v
	}
	inv.Args = args
	return inv, nil
}

var jsonNull = []byte("null")

func bindArgument(kind ParamKind, raw json.RawMessage) (any, error) {
	if kind != JSON && kind != Any && bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return nil, fmt.Errorf("null value")
	}

	switch kind {
	case String:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case Int:
		var n int64
		err := json.Unmarshal(raw, &n)
		return n, err
	case Float:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	case Bool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case JSON:
		return append(json.RawMessage(nil), raw...), nil
	case Any:
		var v any
		err := json.Unmarshal(raw, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown parameter kind %s", kind)
	}
}

// Dispatch runs the handler for call's method. An unknown method is a
// MethodNotFoundError; a handler error or panic is an ApplicationFault.
func (r *Router) Dispatch(call *Call) (result any, err error) {
	ctx := call.Context
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := r.tracer.Start(ctx, "hub.invoke "+call.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("hub.method", call.Method),
			attribute.String("hub.connection_id", call.Caller),
			attribute.Bool("hub.blocking", call.ID != ""),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	call.Context = ctx

	m := r.lookup(call.Method)
	if m == nil {
		return nil, &MethodNotFoundError{Method: call.Method}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &ApplicationFault{Method: call.Method, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	result, err = m.fn(call)
	if err != nil {
		return nil, &ApplicationFault{Method: call.Method, Err: err}
	}
	return result, nil
}
