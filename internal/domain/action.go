package domain

import "encoding/json"

// ActionKind identifies one unit of streamed plugin output.
type ActionKind string

const (
	ActionText         ActionKind = "text"
	ActionMessage      ActionKind = "message"
	ActionStartProcess ActionKind = "start_process"
	ActionEndProcess   ActionKind = "end_process"
	ActionStartSection ActionKind = "start_section"
	ActionEndSection   ActionKind = "end_section"
	ActionResult       ActionKind = "result"
	ActionError        ActionKind = "error"
)

// Action is one record of a plugin's output stream. Result and Error are
// terminal; the rest are relayed to an OutputSink.
type Action struct {
	Kind    ActionKind      `json:"type"`
	Text    string          `json:"text,omitempty"`
	Level   MessageLevel    `json:"level,omitempty"`
	Message *Message        `json:"message,omitempty"`
	Title   string          `json:"title,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Valid reports whether the action is a known kind with its required payload.
func (a Action) Valid() bool {
	switch a.Kind {
	case ActionText, ActionStartProcess, ActionEndProcess, ActionStartSection,
		ActionEndSection, ActionResult, ActionError:
		return true
	case ActionMessage:
		return a.Message != nil
	default:
		return false
	}
}

// Terminal reports whether the action ends a hook call.
func (a Action) Terminal() bool {
	return a.Kind == ActionResult || a.Kind == ActionError
}

// Relay forwards a non-terminal action to sink. Terminal actions are ignored.
func Relay(sink OutputSink, a Action) {
	switch a.Kind {
	case ActionText:
		level := a.Level
		if level == "" {
			level = LevelImportant
		}
		sink.DisplayText(a.Text, level)
	case ActionMessage:
		if a.Message != nil {
			sink.DisplayMessage(*a.Message)
		}
	case ActionStartProcess:
		sink.StartProcess()
	case ActionEndProcess:
		sink.EndProcess()
	case ActionStartSection:
		sink.StartSection(a.Title)
	case ActionEndSection:
		sink.EndSection()
	}
}
