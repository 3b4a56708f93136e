package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/remote"
	"go.uber.org/zap"
)

// RequestID is the opaque handle returned for every submitted unit of work.
type RequestID string

// RequestType tells completion handlers which kind of work finished.
type RequestType string

const (
	// RequestTypeMethod marks completions of ExecuteMethod work.
	RequestTypeMethod RequestType = "method"
	// RequestTypeThumbnail marks completions of RequestThumbnail work.
	RequestTypeThumbnail RequestType = "thumbnail"
)

const defaultCompletionBuffer = 64

var (
	errMissingConnection = errors.New("remote connection is required")
	errMissingLoader     = errors.New("thumbnail loader is required")
)

// Work is a unit of background work run against the remote connection.
type Work func(ctx context.Context, connection remote.Connection, data any) (any, error)

// Completion reports the outcome of a request. A non-nil Err is a work failure.
type Completion struct {
	RequestID   RequestID
	RequestType RequestType
	Data        any
	Err         error
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Connection       remote.Connection
	Thumbnails       ThumbnailLoader
	IDProvider       IDProvider
	Logger           *zap.Logger
	CompletionBuffer int
}

type task struct {
	id          RequestID
	requestType RequestType
	run         func(ctx context.Context) (any, error)
}

// Dispatcher runs submitted work one item at a time on a single background worker.
type Dispatcher struct {
	connection  remote.Connection
	thumbnails  ThumbnailLoader
	ids         IDProvider
	logger      *zap.Logger
	completions chan Completion

	mu      sync.Mutex
	pending []task
	wake    chan struct{}
}

// New validates cfg and returns an idle Dispatcher; call Start to begin processing.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Connection == nil {
		return nil, errMissingConnection
	}
	if cfg.Thumbnails == nil {
		return nil, errMissingLoader
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.CompletionBuffer
	if buffer <= 0 {
		buffer = defaultCompletionBuffer
	}
	return &Dispatcher{
		connection:  cfg.Connection,
		thumbnails:  cfg.Thumbnails,
		ids:         ids,
		logger:      logger,
		completions: make(chan Completion, buffer),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Completions delivers results in execution order.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// ExecuteMethod queues work and returns its request id immediately.
func (d *Dispatcher) ExecuteMethod(work Work, data any) RequestID {
	id := d.ids.NewRequestID()
	d.enqueue(task{
		id:          id,
		requestType: RequestTypeMethod,
		run: func(ctx context.Context) (any, error) {
			return work(ctx, d.connection, data)
		},
	})
	return id
}

// RequestThumbnail queues a thumbnail download and returns its request id immediately.
func (d *Dispatcher) RequestThumbnail(request ThumbnailRequest) RequestID {
	id := d.ids.NewRequestID()
	d.enqueue(task{
		id:          id,
		requestType: RequestTypeThumbnail,
		run: func(ctx context.Context) (any, error) {
			return d.thumbnails.Load(ctx, request)
		},
	})
	return id
}

// ClearPending drops queued work that has not started yet.
func (d *Dispatcher) ClearPending() {
	d.mu.Lock()
	dropped := len(d.pending)
	d.pending = nil
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.Debug("dispatcher queue cleared", zap.Int("dropped", dropped))
	}
}

// Pending reports the number of queued, not yet started requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Start runs the worker until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		next, ok := d.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		completion := d.execute(ctx, next)
		select {
		case d.completions <- completion:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, next task) (completion Completion) {
	completion = Completion{RequestID: next.id, RequestType: next.requestType}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("dispatcher work panicked",
				zap.String("request_id", string(next.id)), zap.Any("panic", recovered))
			completion.Data = nil
			completion.Err = fmt.Errorf("dispatch: work panicked: %v", recovered)
		}
	}()
	data, err := next.run(ctx)
	completion.Data = data
	completion.Err = err
	return completion
}

func (d *Dispatcher) enqueue(next task) {
	d.mu.Lock()
	d.pending = append(d.pending, next)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dequeue() (task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return task{}, false
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	return next, true
}
