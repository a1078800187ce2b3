// Package module defines the posting-module contract and the driver that
// schedules module work.
package module

import (
	"context"
	"time"

	"postbot/internal/transport"
)

// Command is a chat command exposed by a module. Name carries no leading
// slash.
type Command struct {
	Name        string
	Description string
	AdminOnly   bool
	Handler     func(ctx context.Context, msg transport.Message, args string) error
}

// Module is a self-contained posting pipeline. The driver polls
// NextDueTime and invokes ProcessDueEvent when the reported time arrives.
//
// NextDueTime returns ok=false when the module has no scheduled work
// (disabled, or its schedule config failed to parse). A config problem
// silences the schedule only; RunNow must still work.
type Module interface {
	Name() string
	NextDueTime() (time.Time, bool)
	ProcessDueEvent(ctx context.Context) error
	// RunNow performs one manual posting cycle toward the given targets,
	// bypassing the schedule.
	RunNow(ctx context.Context, targets []transport.ChatTarget) error
	// HasPendingPosts reports whether undelivered content is queued.
	HasPendingPosts() bool
	Commands() []Command
}
