package domain

// MessageLevel controls how prominently output is shown.
type MessageLevel string

const (
	LevelImportant MessageLevel = "important"
	LevelExtra     MessageLevel = "extra"
	LevelDebug     MessageLevel = "debug"
	LevelTrace     MessageLevel = "trace"
)

// MessageKind is the presentation style of a structured message.
type MessageKind string

const (
	MessageSimple    MessageKind = "simple"
	MessageSuccess   MessageKind = "success"
	MessageWarning   MessageKind = "warning"
	MessageError     MessageKind = "error"
	MessageHeader    MessageKind = "header"
	MessageHyperlink MessageKind = "hyperlink"
)

// Message is a structured line of user-facing output.
type Message struct {
	Kind  MessageKind  `json:"kind"`
	Text  string       `json:"text"`
	Level MessageLevel `json:"level,omitempty"`
}

// OutputSink receives plugin output relayed by the dispatcher.
type OutputSink interface {
	DisplayText(text string, level MessageLevel)
	DisplayMessage(msg Message)
	StartProcess()
	EndProcess()
	StartSection(title string)
	EndSection()
}

// DiscardSink drops all output.
type DiscardSink struct{}

func (DiscardSink) DisplayText(string, MessageLevel) {}
func (DiscardSink) DisplayMessage(Message)           {}
func (DiscardSink) StartProcess()                    {}
func (DiscardSink) EndProcess()                      {}
func (DiscardSink) StartSection(string)              {}
func (DiscardSink) EndSection()                      {}
