package replaylite

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/sasha-s/go-deadlock"
)

var (
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
	workflowContextType = reflect.TypeOf(WorkflowContext{})
	activityContextType = reflect.TypeOf(ActivityContext{})
)

// HandlerInfo describes a registered workflow or activity function.
type HandlerInfo struct {
	Name    string
	Handler interface{}
	// ParamType is nil when the handler takes only a context.
	ParamType reflect.Type
	// ReturnType is nil when the handler returns only an error.
	ReturnType reflect.Type
}

func inspectHandler(name string, fn interface{}, ctxType reflect.Type) (*HandlerInfo, error) {
	if name == "" {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("handler name is empty"))
	}
	handlerType := reflect.TypeOf(fn)
	if handlerType == nil || handlerType.Kind() != reflect.Func {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("%s must be a function, got %T", name, fn))
	}
	if handlerType.IsVariadic() {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("%s must not be variadic", name))
	}

	if handlerType.NumIn() < 1 || handlerType.NumIn() > 2 {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("%s must take a %s and at most one input", name, ctxType.Name()))
	}
	if handlerType.In(0) != ctxType {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("first parameter of %s must be %s", name, ctxType.Name()))
	}

	numOut := handlerType.NumOut()
	if numOut < 1 || numOut > 2 {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("%s must return an error and at most one result", name))
	}
	if handlerType.Out(numOut-1) != errorType {
		return nil, errors.Join(ErrInvalidHandler, fmt.Errorf("last return value of %s must be error", name))
	}

	info := &HandlerInfo{Name: name, Handler: fn}
	if handlerType.NumIn() == 2 {
		info.ParamType = handlerType.In(1)
	}
	if numOut == 2 {
		info.ReturnType = handlerType.Out(0)
	}
	return info, nil
}

// decodeArgs turns a payload into the handler arguments after the context.
func (h *HandlerInfo) decodeArgs(c codec.Codec, data []byte) ([]reflect.Value, error) {
	if h.ParamType == nil {
		return nil, nil
	}
	ptr := reflect.New(h.ParamType)
	if len(data) > 0 {
		if err := c.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode input of %s: %w", h.Name, err)
		}
	}
	return []reflect.Value{ptr.Elem()}, nil
}

func (h *HandlerInfo) call(ctx reflect.Value, args []reflect.Value) (interface{}, error) {
	out := reflect.ValueOf(h.Handler).Call(append([]reflect.Value{ctx}, args...))

	var err error
	if errValue := out[len(out)-1]; !errValue.IsNil() {
		err = errValue.Interface().(error)
	}
	if h.ReturnType == nil {
		return nil, err
	}
	return out[0].Interface(), err
}

func (h *HandlerInfo) encodeResult(c codec.Codec, result interface{}) ([]byte, error) {
	if h.ReturnType == nil {
		return nil, nil
	}
	data, err := c.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", h.Name, err)
	}
	return data, nil
}

// Registry maps names to workflow and activity functions. A workflow is
// dispatched by the name it was registered with.
type Registry struct {
	mu         deadlock.RWMutex
	workflows  map[string]*HandlerInfo
	activities map[string]*HandlerInfo
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]*HandlerInfo),
		activities: make(map[string]*HandlerInfo),
	}
}

// RegisterWorkflow accepts func(WorkflowContext[, In]) ([Out, ]error).
func (r *Registry) RegisterWorkflow(name string, fn interface{}) error {
	info, err := inspectHandler(name, fn, workflowContextType)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return errors.Join(ErrInvalidHandler, fmt.Errorf("workflow %s already registered", name))
	}
	r.workflows[name] = info
	return nil
}

// RegisterActivity accepts func(ActivityContext[, In]) ([Out, ]error).
func (r *Registry) RegisterActivity(name string, fn interface{}) error {
	info, err := inspectHandler(name, fn, activityContextType)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[name]; ok {
		return errors.Join(ErrInvalidHandler, fmt.Errorf("activity %s already registered", name))
	}
	r.activities[name] = info
	return nil
}

func (r *Registry) workflow(name string) (*HandlerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.workflows[name]
	return info, ok
}

func (r *Registry) activity(name string) (*HandlerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.activities[name]
	return info, ok
}

type registration struct {
	name string
	fn   interface{}
}

// RegistryBuilder collects workflows and activities and registers them
// all at once.
type RegistryBuilder struct {
	workflows  []registration
	activities []registration
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// Workflow adds a workflow to be registered
func (b *RegistryBuilder) Workflow(name string, fn interface{}) *RegistryBuilder {
	b.workflows = append(b.workflows, registration{name: name, fn: fn})
	return b
}

// Activity adds an activity to be registered
func (b *RegistryBuilder) Activity(name string, fn interface{}) *RegistryBuilder {
	b.activities = append(b.activities, registration{name: name, fn: fn})
	return b
}

// Build returns every registration error joined together.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := NewRegistry()
	var errs []error
	for _, w := range b.workflows {
		if err := r.RegisterWorkflow(w.name, w.fn); err != nil {
			errs = append(errs, err)
		}
	}
	for _, a := range b.activities {
		if err := r.RegisterActivity(a.name, a.fn); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}
