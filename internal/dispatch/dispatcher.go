package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nlpkit/internal/audit"
	"nlpkit/internal/langdetect"
	"nlpkit/internal/logger"
	"nlpkit/internal/pipeline"
	"nlpkit/internal/tasks"
	"nlpkit/internal/trace"
)

// Resolver hands out loaded engines. *pipeline.Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, pipeline, model string) (*pipeline.Handle, error)
}

// Recorder receives one call per finished dispatch.
type Recorder interface {
	Dispatched(task, status string, d time.Duration)
}

type Option func(*Dispatcher)

func WithDetector(det langdetect.Detector) Option {
	return func(d *Dispatcher) { d.detector = det }
}

func WithAudit(l audit.Logger) Option {
	return func(d *Dispatcher) { d.audit = l }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithTimeout bounds each engine invocation. Zero means no bound.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// Dispatcher runs validated requests against their task's engine. It never
// returns an error; every failure is reported in the Result.
type Dispatcher struct {
	catalog  *tasks.Catalog
	engines  Resolver
	detector langdetect.Detector
	audit    audit.Logger
	recorder Recorder
	log      logger.Logger
	timeout  time.Duration
	shapers  map[tasks.Output]shaper
}

func New(catalog *tasks.Catalog, engines Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:  catalog,
		engines:  engines,
		detector: langdetect.Whatlang{},
		audit:    audit.Discard{},
		log:      logger.Default(),
		shapers:  defaultShapers(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatcher")
	return d
}

func (d *Dispatcher) Catalog() *tasks.Catalog { return d.catalog }

// Handle normalizes raw input for a task and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, taskID, variant string, fields map[string]string) Result {
	tr := trace.New(taskID)
	req, err := tasks.Normalize(d.catalog, taskID, variant, fields)
	if err != nil {
		res := Result{RequestID: tr.ID, TaskID: taskID, Error: errorInfo(err)}
		if desc, lerr := d.catalog.Lookup(taskID); lerr == nil {
			res.TaskID = desc.ID
		}
		res.Status = statusFor(res.Error.Kind)
		d.finish(tr, tasks.Request{TaskID: taskID, Variant: variant, Fields: fields}, "", res)
		return res
	}
	return d.dispatch(ctx, tr, req)
}

func (d *Dispatcher) Dispatch(ctx context.Context, req tasks.Request) Result {
	return d.dispatch(ctx, trace.New(req.TaskID), req)
}

func (d *Dispatcher) dispatch(ctx context.Context, tr *trace.DispatchTrace, req tasks.Request) Result {
	ctx = trace.WithContext(ctx, tr)
	res := Result{RequestID: tr.ID, TaskID: req.TaskID}

	desc, err := d.catalog.Lookup(req.TaskID)
	if err == nil {
		res.TaskID = desc.ID
		req, err = revalidate(desc, req)
	}
	if err != nil {
		res.Error = errorInfo(err)
		res.Status = statusFor(res.Error.Kind)
		d.finish(tr, req, "", res)
		return res
	}

	payload, info := d.run(ctx, tr, desc, req)
	if info != nil {
		res.Status = statusFor(info.Kind)
		res.Error = info
	} else {
		res.Status = StatusOK
		res.Payload = payload
		res.PayloadKind = payload.Kind()
	}
	d.finish(tr, req, desc.Pipeline, res)
	return res
}

// revalidate guards Dispatch against hand-built requests so that no engine
// is touched for incomplete input.
func revalidate(desc tasks.Descriptor, req tasks.Request) (tasks.Request, error) {
	model := req.Model
	out, err := tasks.NormalizeFor(desc, req.Variant, req.Fields)
	if err != nil {
		return req, err
	}
	if model != "" && !desc.Standalone() && len(desc.Variants) == 0 {
		out.Model = model
	}
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, tr *trace.DispatchTrace, desc tasks.Descriptor, req tasks.Request) (payload Payload, info *ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("engine panicked", "task", desc.ID, "panic", r)
			payload, info = nil, &ErrorInfo{Kind: ErrorEngine, Message: fmt.Sprintf("engine panicked: %v", r)}
		}
	}()

	if desc.Standalone() {
		tr.InvokeStart = time.Now()
		lang, err := d.detector.Detect(req.Text())
		tr.InvokeEnd = time.Now()
		if err != nil {
			return nil, &ErrorInfo{Kind: ErrorEngine, Message: err.Error()}
		}
		return LanguagePayload{Language: lang}, nil
	}

	tr.ResolveStart = time.Now()
	h, err := d.engines.Resolve(ctx, desc.Pipeline, req.Model)
	tr.ResolveEnd = time.Now()
	if err != nil {
		return nil, errorInfo(err)
	}
	tr.CacheHit = h.LoadedAt().Before(tr.ResolveStart)

	invokeCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	tr.InvokeStart = time.Now()
	out, err := h.Run(invokeCtx, buildInput(desc, req))
	tr.InvokeEnd = time.Now()
	if err != nil {
		return nil, &ErrorInfo{Kind: ErrorEngine, Message: err.Error()}
	}

	shape, ok := d.shapers[desc.Output]
	if !ok {
		return nil, &ErrorInfo{Kind: ErrorEngine, Message: fmt.Sprintf("no result shaper for output %q", desc.Output)}
	}
	payload, err = shape(out)
	if err != nil {
		return nil, &ErrorInfo{Kind: ErrorEngine, Message: err.Error()}
	}
	return payload, nil
}

func buildInput(desc tasks.Descriptor, req tasks.Request) pipeline.Input {
	var in pipeline.Input
	switch desc.Shape {
	case tasks.TextQuestion:
		in.Context = req.Context()
		in.Question = req.Question()
	default:
		in.Text = req.Text()
	}
	if g := desc.Generation; g != nil {
		in.Generate = &pipeline.GenerateOptions{MinLength: g.MinLength, MaxLength: g.MaxLength, DoSample: g.DoSample}
	}
	return in
}

func errorInfo(err error) *ErrorInfo {
	var verr *tasks.ValidationError
	var lerr *pipeline.EngineLoadError
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		return &ErrorInfo{Kind: ErrorUnknownTask, Message: err.Error()}
	case errors.As(err, &verr):
		return &ErrorInfo{Kind: ErrorValidation, Message: err.Error(), MissingField: verr.Field}
	case errors.As(err, &lerr):
		key := lerr.Key
		return &ErrorInfo{Kind: ErrorEngineLoad, Message: err.Error(), Key: &key}
	default:
		return &ErrorInfo{Kind: ErrorEngine, Message: err.Error()}
	}
}

func statusFor(kind ErrorKind) Status {
	switch kind {
	case ErrorUnknownTask, ErrorValidation:
		return StatusValidationError
	default:
		return StatusEngineError
	}
}

func (d *Dispatcher) finish(tr *trace.DispatchTrace, req tasks.Request, pipelineKind string, res Result) {
	end := time.Now()
	total := tr.Total(end)
	entry := audit.Entry{
		RequestID:  res.RequestID,
		Task:       res.TaskID,
		Variant:    req.Variant,
		Pipeline:   pipelineKind,
		Model:      req.Model,
		Status:     string(res.Status),
		InputBytes: inputBytes(req.Fields),
		CacheHit:   tr.CacheHit,
		ResolveMs:  trace.Millis(tr.Resolve()),
		InvokeMs:   trace.Millis(tr.Invoke()),
		TotalMs:    trace.Millis(total),
	}
	if res.Error != nil {
		entry.ErrorKind = string(res.Error.Kind)
		entry.Error = res.Error.Message
	}
	if err := d.audit.Log(entry); err != nil {
		d.log.Warn("audit write failed", "err", err)
	}
	if d.recorder != nil {
		d.recorder.Dispatched(res.TaskID, string(res.Status), total)
	}
	if res.Status == StatusEngineError {
		d.log.Warn("dispatch failed", "request_id", res.RequestID, "task", res.TaskID, "kind", res.Error.Kind, "err", res.Error.Message)
	}
	tr.LogAt(d.log, end, string(res.Status))
}

func inputBytes(fields map[string]string) int {
	n := 0
	for _, v := range fields {
		n += len(v)
	}
	return n
}
