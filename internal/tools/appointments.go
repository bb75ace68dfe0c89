package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/when"
)

// CreateAppointmentArgs are the arguments of create_appointment.
type CreateAppointmentArgs struct {
	Date  string `mapstructure:"date"`
	Time  string `mapstructure:"time"`
	Notes string `mapstructure:"notes"`
}

// CancelAppointmentArgs are the arguments of cancel_appointment.
type CancelAppointmentArgs struct {
	Reason string `mapstructure:"reason"`
}

// RescheduleAppointmentArgs are the arguments of reschedule_appointment.
type RescheduleAppointmentArgs struct {
	Date string `mapstructure:"date"`
	Time string `mapstructure:"time"`
}

// ListAppointmentsArgs are the arguments of list_appointments.
type ListAppointmentsArgs struct{}

const displayLayout = "02/01/2006 às 15:04"

func (d *Dispatcher) createAppointment(ctx context.Context, tc Context, args CreateAppointmentArgs) models.ToolResult {
	at, res, ok := resolveSlot(args.Date, args.Time, tc)
	if !ok {
		return res
	}
	appt, err := d.scheduler.Book(ctx, tc.LeadID, at, strings.TrimSpace(args.Notes))
	if err != nil {
		return backendFailure(err, "agendar")
	}
	msg := fmt.Sprintf("Consulta agendada para %s.", appt.StartsAt.In(tc.Location).Format(displayLayout))
	d.notify(ctx, tc.LeadID, msg)
	return models.ToolResult{Success: true, Message: msg, Data: appt}
}

func (d *Dispatcher) cancelAppointment(ctx context.Context, tc Context, args CancelAppointmentArgs) models.ToolResult {
	appt, err := d.scheduler.Cancel(ctx, tc.LeadID)
	if err != nil {
		return backendFailure(err, "cancelar")
	}
	if args.Reason != "" {
		slog.Debug("Dispatcher cancel reason", "leadID", tc.LeadID, "reason", args.Reason)
	}
	msg := fmt.Sprintf("Sua consulta de %s foi cancelada.", appt.StartsAt.In(tc.Location).Format(displayLayout))
	d.notify(ctx, tc.LeadID, msg)
	return models.ToolResult{Success: true, Message: msg, Data: appt}
}

func (d *Dispatcher) rescheduleAppointment(ctx context.Context, tc Context, args RescheduleAppointmentArgs) models.ToolResult {
	at, res, ok := resolveSlot(args.Date, args.Time, tc)
	if !ok {
		return res
	}
	appt, err := d.scheduler.Reschedule(ctx, tc.LeadID, at)
	if err != nil {
		return backendFailure(err, "remarcar")
	}
	msg := fmt.Sprintf("Consulta remarcada para %s.", appt.StartsAt.In(tc.Location).Format(displayLayout))
	d.notify(ctx, tc.LeadID, msg)
	return models.ToolResult{Success: true, Message: msg, Data: appt}
}

func (d *Dispatcher) listAppointments(ctx context.Context, tc Context, _ ListAppointmentsArgs) models.ToolResult {
	appts, err := d.scheduler.ListAppointments(ctx, tc.LeadID)
	if err != nil {
		return backendFailure(err, "consultar")
	}
	if len(appts) == 0 {
		return models.ToolResult{Success: true, Message: "Você não tem consultas agendadas.", Data: appts}
	}
	lines := make([]string, len(appts))
	for i, a := range appts {
		lines[i] = "- " + a.StartsAt.In(tc.Location).Format(displayLayout)
	}
	return models.ToolResult{
		Success: true,
		Message: "Suas consultas:\n" + strings.Join(lines, "\n"),
		Data:    appts,
	}
}

// resolveSlot parses the requested slot. Slots in the past are refused.
func resolveSlot(date, clock string, tc Context) (time.Time, models.ToolResult, bool) {
	at, err := when.Parse(date, clock, tc.Now, tc.Location)
	if err != nil {
		msg := "Não entendi a data. Pode informar, por exemplo, \"amanhã\" ou \"10/03\"?"
		if errors.Is(err, when.ErrInvalidTime) {
			msg = "Não entendi o horário. Pode informar, por exemplo, \"14h\" ou \"9:30\"?"
		}
		return time.Time{}, fail(msg, err), false
	}
	if !at.After(tc.Now) {
		return time.Time{}, fail("Esse horário já passou. Qual outro horário fica bom?", fmt.Errorf("slot %s is in the past", at.Format(time.RFC3339))), false
	}
	return at, models.ToolResult{}, true
}

func backendFailure(err error, action string) models.ToolResult {
	switch {
	case errors.Is(err, models.ErrSlotTaken):
		return fail("Esse horário já está ocupado. Pode escolher outro?", err)
	case errors.Is(err, models.ErrAppointmentNotFound):
		return fail("Não encontrei nenhuma consulta agendada.", err)
	default:
		return fail(fmt.Sprintf("Não consegui %s a consulta agora. Tente novamente em instantes.", action), err)
	}
}

// notify sends a confirmation. Failures are logged and never fail the tool.
func (d *Dispatcher) notify(ctx context.Context, to, body string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, to, body); err != nil {
		slog.Warn("Dispatcher notification failed", "error", err, "to", to)
	}
}
