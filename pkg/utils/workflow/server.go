package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"reprun.io/reprun/pkg/log"
	"reprun.io/reprun/pkg/utils/retry"
)

const (
	DefaultTaskTimeout = 5 * time.Minute

	// maxDeferWait caps how long a consumer sleeps on a not yet due task
	// before requeueing it.
	maxDeferWait = 30 * time.Second
)

type Options struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type Server struct {
	backend    Backend
	registered map[string]interface{}
	executerid string
}

func NewServerFromRedisClient(cli *redis.Client) *Server {
	return NewServerFromBackend(NewRedisBackendFromClient(cli))
}

func NewServerFromBackend(backend Backend) *Server {
	executerid, _ := os.Hostname()
	return &Server{
		backend:    backend,
		registered: map[string]interface{}{},
		executerid: executerid,
	}
}

func NewServer(options *Options) (*Server, error) {
	backend := NewRedisBackend(options.Addr, options.Username, options.Password)
	return NewServerFromBackend(backend), nil
}

func (s *Server) Client() *BackendClient {
	return NewClientFromBackend(s.backend)
}

func (s *Server) Run(ctx context.Context) error {
	log := log.FromContextOrDiscard(ctx)
	// consume submit queue
	return retry.OnError(retry.NotContextCancelError, func() error {
		log.Info("starting work consumer...")
		if err := s.backend.Sub(ctx, SubmitQueue, s.consume, WithConcurrency(5), WithAutoACK(true)); err != nil {
			log.Error(err, "subscribe failed, retry...")
			return err
		}
		return nil
	})
}

func (s *Server) consume(ctx context.Context, _ string, val []byte) error {
	log := log.FromContextOrDiscard(ctx)

	task := &jsonArgsTask{}
	if err := json.Unmarshal(val, task); err != nil {
		log.Error(err, "decode task")
		return nil // ignore error
	}
	log = log.WithValues("name", task.Name, "uid", task.UID)

	log.Info("consume task")
	ctx = logr.NewContext(ctx, log)

	if requeue := s.waitNotBefore(ctx, task); requeue {
		log.Info("requeue deferred task", "notBefore", task.NotBefore)
		return s.requeue(ctx, task)
	}

	if s.canceled(ctx, task) {
		log.Info("task canceled")
		task.Status.Status = TaskStatusCanceled
		task.Status.Message = "canceled"
		task.Status.FinishTimestamp = time.Now()
		markRemaining(task.Steps, TaskStatusCanceled)
		_ = s.updateTask(ctx, task)
		return nil
	}

	finished := s.process(ctx, task)
	if !finished {
		log.Info("requeue task")
		// requeue updated task
		if err := s.requeue(ctx, task); err != nil {
			return err
		}
		return nil
	}
	log.Info("finished task")
	return nil
}

func (s *Server) requeue(ctx context.Context, task *jsonArgsTask) error {
	content, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.backend.Pub(ctx, SubmitQueue, "", content)
}

// waitNotBefore holds a not yet due task, it reports whether the task is
// still not due and must be requeued.
func (s *Server) waitNotBefore(ctx context.Context, task *jsonArgsTask) bool {
	if task.NotBefore == nil {
		return false
	}
	wait := time.Until(*task.NotBefore)
	if wait <= 0 {
		return false
	}
	if wait > maxDeferWait {
		wait = maxDeferWait
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(wait):
	}
	return task.NotBefore.After(time.Now())
}

// canceled reports whether a cancel mark was recorded for this task.
func (s *Server) canceled(ctx context.Context, task *jsonArgsTask) bool {
	val, err := s.backend.Get(ctx, cancelMarkKey(task.Group, task.Name, task.UID))
	return err == nil && len(val) > 0
}

// process runs one runnable step, it reports whether the task is finished.
func (s *Server) process(ctx context.Context, task *jsonArgsTask) bool {
	if task.UID == "" {
		task.UID = uuid.New().String()
	}
	ctx = WithValues(ctx, task.Additionals)

	if err := s.processone(ctx, task, task.Steps); err != nil {
		// an error finishes the task
		task.Status.FinishTimestamp = time.Now()
		task.Status.Status = TaskStatusError
		task.Status.Message = err.Error()
		_ = s.updateTask(ctx, task)
		return true
	} else if isAllFinished(task.Steps) {
		task.Status.FinishTimestamp = time.Now()
		task.Status.Status = TaskStatusSuccess
		_ = s.updateTask(ctx, task)
		return true
	} else {
		return false
	}
}

func isAllFinished(steps []*jsonArgsStep) bool {
	for _, step := range steps {
		switch step.Status.Status {
		case TaskStatusSuccess, TaskStatusSkipped, TaskStatusCanceled:
		default:
			return false
		}
		if !isAllFinished(step.SubSteps) {
			return false
		}
	}
	return true
}

func (s *Server) processone(ctx context.Context, task *jsonArgsTask, steps []*jsonArgsStep) error {
	for idx, step := range steps {
		switch step.Status.Status {
		case "", TaskStatusPending, TaskStatusRunning:
			// save init state
			step.Status = TaskStatus{
				Status:         TaskStatusRunning,
				StartTimestamp: time.Now(),
				Executer:       s.executerid,
			}

			_ = s.updateTask(ctx, task)
			if step.Function != "" {
				skip := &skipFlag{}
				if err := s.execute(withSkipRemaining(ctx, skip), task, step); err != nil {
					step.Status.Status = TaskStatusError
					step.Status.Message = err.Error()
					step.Status.FinishTimestamp = time.Now()
					_ = s.updateTask(ctx, task)
					return err
				}
				step.Status.Status = TaskStatusSuccess
				step.Status.FinishTimestamp = time.Now()
				if skip.marked() {
					markRemaining(steps[idx+1:], TaskStatusSkipped)
				}
				_ = s.updateTask(ctx, task)
				// the step succeeded, requeue for the next one
				return nil
			}
			// nothing to execute, keep looking for a runnable step
			step.Status.FinishTimestamp = time.Now()
			step.Status.Status = TaskStatusSuccess
		case TaskStatusError:
			// a failed step finishes the whole task
			return errors.New(step.Status.Message)
		case TaskStatusSkipped, TaskStatusCanceled:
			continue
		}
		if err := s.processone(ctx, task, step.SubSteps); err != nil {
			return err
		}
	}
	return nil
}

// markRemaining marks all not yet started steps with the given status.
func markRemaining(steps []*jsonArgsStep, status TaskStatusCode) {
	now := time.Now()
	for _, step := range steps {
		switch step.Status.Status {
		case "", TaskStatusPending, TaskStatusRunning:
			step.Status = TaskStatus{Status: status, FinishTimestamp: now}
		}
		markRemaining(step.SubSteps, status)
	}
}

func (n *Server) updateTask(ctx context.Context, task *jsonArgsTask) error {
	content, err := json.Marshal(task)
	if err != nil {
		return err
	}
	taskkey := strings.Join([]string{task.Group, task.Name, task.UID}, "/")
	return n.backend.Put(ctx, taskkey, content)
}

func (n *Server) Register(name string, fun interface{}) error {
	// validate
	t := reflect.ValueOf(fun).Type()
	if t.Kind() != reflect.Func {
		return fmt.Errorf("name [%s] fun [%v] not a function", name, fun)
	}
	// register
	if _, ok := n.registered[name]; ok {
		return fmt.Errorf("name [%s] fun [%v] already registered", name, fun)
	}
	n.registered[name] = fun
	return nil
}

func (n *Server) execute(ctx context.Context, task *jsonArgsTask, step *jsonArgsStep) (err error) {
	if step.Timeout == 0 {
		step.Timeout = DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	log := log.FromContextOrDiscard(ctx)
	log.Info("executing", "step", step.Name, "func", step.Function)

	name := step.Function
	fun, ok := n.registered[name]
	if !ok {
		return fmt.Errorf("func %s not registered", name)
	}

	// a panicking step must not take the consumer down, recover with a
	// stack so the task record shows where it happened
	defer func() {
		if e := recover(); e != nil {
			log.Info("executed panic", "step", step.Name, "func", step.Function, "err", e)
			switch e := e.(type) {
			case error:
				err = pkgerrors.WithStack(e)
			case string:
				err = pkgerrors.New(e)
			default:
				err = pkgerrors.Errorf("panic: %v", e)
			}
		}
	}()

	funv := reflect.ValueOf(fun)
	funt := funv.Type()

	argsv := []reflect.Value{}
	argsi := 0
	carryused := false
	for i := 0; i < funt.NumIn(); i++ {
		argt := funt.In(i)

		// a leading context.Context receives the current context
		if i == 0 && argt.Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
			argsv = append(argsv, reflect.ValueOf(ctx))
			continue
		}

		arg := reflect.New(argt).Interface()

		// the first non-context parameter receives the carried value
		if !carryused && len(task.Carry) > 0 {
			carryused = true
			if err := json.Unmarshal(task.Carry, arg); err != nil {
				return err
			}
			argsv = append(argsv, reflect.Indirect(reflect.ValueOf(arg)))
			continue
		}

		// missing arguments stay zero valued
		if argsi < len(step.Args) {
			if err := json.Unmarshal(step.Args[argsi], &arg); err != nil {
				return err
			}
		}
		argsv = append(argsv, reflect.Indirect(reflect.ValueOf(arg)))
		argsi++
	}

	// execute
	var rvs []reflect.Value
	if funt.IsVariadic() {
		rvs = funv.CallSlice(argsv)
	} else {
		rvs = funv.Call(argsv)
	}
	// keep returned values on the step status
	for _, result := range rvs {
		step.Status.Result = append(step.Status.Result, reflect.Indirect(result).Interface())
	}
	// a trailing error return is the step error
	if len(rvs) > 0 {
		if e, ok := rvs[len(rvs)-1].Interface().(error); ok {
			err = e
		}
	}
	// a leading non-error return replaces the carry
	if err == nil && carryused && len(rvs) > 1 {
		if _, isErr := rvs[0].Interface().(error); !isErr {
			content, merr := json.Marshal(reflect.Indirect(rvs[0]).Interface())
			if merr != nil {
				return merr
			}
			task.Carry = content
		}
	}
	log.Info("executed", "step", step.Name, "func", step.Function, "err", err)
	return err
}

type skipRemainingKey struct{}

type skipFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *skipFlag) mark() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *skipFlag) marked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

func withSkipRemaining(ctx context.Context, f *skipFlag) context.Context {
	return context.WithValue(ctx, skipRemainingKey{}, f)
}

// SkipRemaining marks all later steps of the running task as skipped once
// the current step returns successfully.
func SkipRemaining(ctx context.Context) {
	if f, ok := ctx.Value(skipRemainingKey{}).(*skipFlag); ok {
		f.mark()
	}
}

func ValueFromContext(ctx context.Context, key string) string {
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}

func WithValues(ctx context.Context, kvs map[string]string) context.Context {
	return &runtimeValuesContext{parent: ctx, kvs: kvs}
}

type runtimeValuesContext struct {
	parent context.Context
	kvs    map[string]string
}

func (c *runtimeValuesContext) Deadline() (deadline time.Time, ok bool) {
	return c.parent.Deadline()
}

func (c *runtimeValuesContext) Done() <-chan struct{} {
	return c.parent.Done()
}

func (c *runtimeValuesContext) Err() error {
	return c.parent.Err()
}

func (c *runtimeValuesContext) Value(key interface{}) interface{} {
	if kk, ok := key.(string); ok {
		for k, v := range c.kvs {
			if kk == k {
				return v
			}
		}
	}
	return c.parent.Value(key)
}
