// Package tools executes the side-effecting actions attached to states.
//
// The registry is closed: each tool has its own typed argument struct decoded
// from the loosely typed argument map. Every failure is reported as a
// ToolResult so the conversation can continue with an apologetic reply.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/StateFlow/internal/metrics"
	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/mitchellh/mapstructure"
)

// Scheduler is the booking backend. store.Store implements it.
type Scheduler interface {
	Book(ctx context.Context, leadID string, at time.Time, notes string) (models.Appointment, error)
	Cancel(ctx context.Context, leadID string) (models.Appointment, error)
	Reschedule(ctx context.Context, leadID string, at time.Time) (models.Appointment, error)
	ListAppointments(ctx context.Context, leadID string) ([]models.Appointment, error)
}

// Notifier sends a confirmation to the lead.
type Notifier interface {
	Notify(ctx context.Context, to, body string) error
}

// Context carries caller identity and the clock for one execution.
type Context struct {
	LeadID   string
	Now      time.Time      // zero means the dispatcher's clock
	Location *time.Location // nil means the dispatcher's location
}

type handler func(ctx context.Context, tc Context, args map[string]any) models.ToolResult

// Dispatcher executes tools by name.
type Dispatcher struct {
	scheduler Scheduler
	notifier  Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
	loc       *time.Location
	registry  map[models.ToolName]handler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier sends booking confirmations through n.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMetrics sets the metrics the dispatcher records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLocation sets the time zone date expressions are resolved in.
func WithLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher over the scheduling backend.
func NewDispatcher(s Scheduler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		scheduler: s,
		now:       time.Now,
		loc:       time.Local,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = metrics.OrNew(d.metrics)
	d.registry = map[models.ToolName]handler{
		models.ToolCreateAppointment:     typed(d.createAppointment),
		models.ToolCancelAppointment:     typed(d.cancelAppointment),
		models.ToolRescheduleAppointment: typed(d.rescheduleAppointment),
		models.ToolListAppointments:      typed(d.listAppointments),
	}
	return d
}

// Names lists the registered tools in sorted order.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.registry))
	for name := range d.registry {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is a registered tool.
func (d *Dispatcher) Known(name string) bool {
	_, ok := d.registry[models.ToolName(name)]
	return ok
}

// Execute runs the named tool. It never returns an error; unknown tools,
// missing identity and backend failures yield Success=false.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any, tc Context) models.ToolResult {
	tool := models.ToolName(name)
	start := time.Now()

	var res models.ToolResult
	h, ok := d.registry[tool]
	switch {
	case !ok:
		res = fail("Desculpe, não consigo realizar essa ação.", fmt.Errorf("unknown tool %q", name))
	case tc.LeadID == "":
		res = fail("Não consegui identificar seu cadastro para concluir a ação.", errors.New("missing lead id"))
	case d.scheduler == nil:
		res = fail("A agenda está indisponível no momento. Tente novamente mais tarde.", errors.New("no scheduling backend configured"))
	default:
		if tc.Now.IsZero() {
			tc.Now = d.now()
		}
		if tc.Location == nil {
			tc.Location = d.loc
		}
		res = h(ctx, tc, args)
	}
	res.Tool = tool

	d.metrics.ToolRuns.WithLabelValues(name, strconv.FormatBool(res.Success)).Inc()
	d.metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if res.Success {
		slog.Info("Dispatcher Execute succeeded", "tool", name, "leadID", tc.LeadID)
	} else {
		slog.Warn("Dispatcher Execute failed", "tool", name, "leadID", tc.LeadID, "error", res.Error)
	}
	return res
}

// typed adapts a handler taking a typed argument struct.
func typed[A any](fn func(ctx context.Context, tc Context, args A) models.ToolResult) handler {
	return func(ctx context.Context, tc Context, raw map[string]any) models.ToolResult {
		var args A
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &args,
		})
		if err != nil {
			return fail("Não consegui entender os dados informados.", err)
		}
		if err := dec.Decode(raw); err != nil {
			return fail("Não consegui entender os dados informados.", fmt.Errorf("invalid arguments: %w", err))
		}
		return fn(ctx, tc, args)
	}
}

func fail(message string, err error) models.ToolResult {
	return models.ToolResult{Success: false, Message: message, Error: err.Error()}
}
