package control

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/talon/internal/alias"
	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/route"
)

const helpText = `Commands:
  !stop [target]              stop a session (alias or session key; default: here)
  !status [target]            show session status
  !alias set <name> [target]  point an alias at a session
  !alias remove <name>        delete an alias
  !alias list                 list aliases
  !alias resolve <name>       show what an alias points to
  !help                       this text`

const replyInvalidAlias = "Alias names may use letters, digits, dot, underscore, and dash (1-64 chars)."

// parseCommand recognizes the `!`/`/` operator command syntax. Only
// recognized verbs are treated as commands; anything else flows onward.
func parseCommand(text string) (verb string, args []string, ok bool) {
	if len(text) < 2 || (text[0] != '!' && text[0] != '/') {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	switch strings.ToLower(fields[0]) {
	case "stop", "status", "alias", "help", "h":
		return strings.ToLower(fields[0]), fields[1:], true
	}
	return "", nil, false
}

func (cp *ControlPlane) runCommand(rt route.Route, verb string, args []string, reply bus.ReplyFunc) Result {
	res := Result{Accepted: true, SessionKey: rt.SessionKey, Mode: "command"}
	switch verb {
	case "help", "h":
		cp.send(reply, helpText)
	case "stop":
		cp.cmdStop(rt, args, reply)
	case "status":
		cp.cmdStatus(rt, args, reply)
	case "alias":
		cp.cmdAlias(rt, args, reply)
	default:
		cp.send(reply, helpText)
		res.Accepted = false
		res.Reason = "unknown_command"
	}
	return res
}

// resolveTarget maps an optional command argument to a session key:
// alias first, else the literal key, else the current route.
func (cp *ControlPlane) resolveTarget(rt route.Route, args []string) string {
	if len(args) == 0 {
		return rt.SessionKey
	}
	target := args[0]
	if cp.aliases != nil {
		if key, ok := cp.aliases.Resolve(target); ok {
			return key
		}
	}
	return target
}

func (cp *ControlPlane) cmdStop(rt route.Route, args []string, reply bus.ReplyFunc) {
	key := cp.resolveTarget(rt, args)
	if cp.StopSession(key) {
		cp.send(reply, fmt.Sprintf("Session %s stopped.", key))
		return
	}
	cp.send(reply, fmt.Sprintf("No session found for %q.", key))
}

func (cp *ControlPlane) cmdStatus(rt route.Route, args []string, reply bus.ReplyFunc) {
	key := cp.resolveTarget(rt, args)
	s, ok := cp.Session(key)
	if !ok {
		cp.send(reply, fmt.Sprintf("No session found for %q.", key))
		return
	}
	state := "running"
	if s.IsIdle() {
		state = "idle"
	}
	cp.send(reply, fmt.Sprintf("Session %s: %s, %d queued, %d turns, last active %s.",
		key, state, s.QueueSize(), s.TurnIndex(), s.LastActiveAt().Format("2006-01-02 15:04:05 MST")))
}

func (cp *ControlPlane) cmdAlias(rt route.Route, args []string, reply bus.ReplyFunc) {
	if cp.aliases == nil {
		cp.send(reply, "Alias registry is not available.")
		return
	}
	if len(args) == 0 {
		cp.send(reply, helpText)
		return
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]
	switch sub {
	case "set", "add":
		cp.cmdAliasSet(rt, rest, reply)
	case "remove", "rm", "delete":
		cp.cmdAliasRemove(rest, reply)
	case "list", "ls":
		cp.cmdAliasList(reply)
	case "resolve":
		cp.cmdAliasResolve(rest, reply)
	default:
		cp.send(reply, helpText)
	}
}

func (cp *ControlPlane) cmdAliasSet(rt route.Route, args []string, reply bus.ReplyFunc) {
	if len(args) == 0 {
		cp.send(reply, "Usage: !alias set <name> [target]")
		return
	}
	name := args[0]
	target := rt.SessionKey
	if len(args) > 1 {
		target = args[1]
	}
	rec, err := cp.aliases.Set(name, target)
	if err != nil {
		if err == alias.ErrInvalidAlias {
			cp.send(reply, replyInvalidAlias)
			return
		}
		cp.send(reply, "Alias update failed: "+err.Error())
		return
	}
	cp.publish("alias_set", rec)
	cp.send(reply, fmt.Sprintf("Alias %q now points to %s.", rec.Alias, rec.SessionKey))
}

func (cp *ControlPlane) cmdAliasRemove(args []string, reply bus.ReplyFunc) {
	if len(args) == 0 {
		cp.send(reply, "Usage: !alias remove <name>")
		return
	}
	name := args[0]
	prev, err := cp.aliases.Remove(name)
	if err != nil {
		cp.send(reply, "Alias removal failed: "+err.Error())
		return
	}
	if prev == nil {
		cp.send(reply, fmt.Sprintf("Alias %q is not set.", alias.Normalize(name)))
		return
	}
	cp.publish("alias_removed", prev)
	cp.send(reply, fmt.Sprintf("Alias %q removed.", prev.Alias))
}

func (cp *ControlPlane) cmdAliasList(reply bus.ReplyFunc) {
	recs := cp.aliases.List()
	if len(recs) == 0 {
		cp.send(reply, "No aliases set.")
		return
	}
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, fmt.Sprintf("%s => %s", rec.Alias, rec.SessionKey))
	}
	cp.send(reply, strings.Join(lines, "\n"))
}

func (cp *ControlPlane) cmdAliasResolve(args []string, reply bus.ReplyFunc) {
	if len(args) == 0 {
		cp.send(reply, "Usage: !alias resolve <name>")
		return
	}
	name := alias.Normalize(args[0])
	key, ok := cp.aliases.Resolve(name)
	if !ok {
		cp.send(reply, fmt.Sprintf("Alias %q is not set.", name))
		return
	}
	cp.send(reply, fmt.Sprintf("%s => %s", name, key))
}
