// Package models defines tool structures for state-attached actions.
package models

import (
	"errors"
	"time"
)

// Scheduling backend errors.
var (
	ErrSlotTaken           = errors.New("time slot already booked")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// ToolName identifies a tool in the closed dispatcher registry.
type ToolName string

const (
	// ToolCreateAppointment books a new appointment for the lead.
	ToolCreateAppointment ToolName = "create_appointment"
	// ToolCancelAppointment cancels the lead's active appointment.
	ToolCancelAppointment ToolName = "cancel_appointment"
	// ToolRescheduleAppointment moves the lead's active appointment.
	ToolRescheduleAppointment ToolName = "reschedule_appointment"
	// ToolListAppointments lists the lead's active appointments.
	ToolListAppointments ToolName = "list_appointments"
)

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	Tool    ToolName `json:"tool"`
	Success bool     `json:"success"`         // Whether the tool execution succeeded
	Message string   `json:"message"`         // User-facing result message
	Error   string   `json:"error,omitempty"` // Error message if success is false
	Data    any      `json:"data,omitempty"`  // Additional data (e.g., appointment)
}

// AppointmentStatus tracks an appointment's lifecycle.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booking held by the scheduling backend.
type Appointment struct {
	ID        string            `json:"id"`
	LeadID    string            `json:"lead_id"`
	StartsAt  time.Time         `json:"starts_at"`
	Notes     string            `json:"notes,omitempty"`
	Status    AppointmentStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
