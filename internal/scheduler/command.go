package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned for names outside the command set and for
// commands without a registered handler.
var ErrUnknownCommand = errors.New("unknown command")

// Command names one schedulable action.
type Command string

const (
	Load      Command = "load"
	Whitelist Command = "whitelist"
	Blacklist Command = "blacklist"
	Tidy      Command = "tidy"
	Edit      Command = "edit"
	Save      Command = "save"
	Restore   Command = "restore"
	Clean     Command = "clean"
)

// Commands lists every command in a stable order.
var Commands = []Command{Load, Whitelist, Blacklist, Tidy, Edit, Save, Restore, Clean}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.TrimSpace(s))
	for _, known := range Commands {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

func (c Command) String() string {
	return string(c)
}

// Foreground reports whether the command always waits for the lock.
func (c Command) Foreground() bool {
	switch c {
	case Edit, Save, Restore, Clean:
		return true
	}
	return false
}

// chainsLoad reports whether changes made by the command need a firewall
// reload.
func (c Command) chainsLoad() bool {
	switch c {
	case Whitelist, Blacklist, Edit:
		return true
	}
	return false
}
