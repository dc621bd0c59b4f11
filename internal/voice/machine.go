package voice

import "fmt"

// Mode is the listening state of a voice session.
type Mode string

const (
	// ModeInactive ignores transcripts until explicitly armed.
	ModeInactive Mode = "inactive"
	// ModeTriggerWait listens for a trigger phrase only.
	ModeTriggerWait Mode = "trigger_wait"
	// ModeCommand treats the next finalized transcript as a command.
	ModeCommand Mode = "command"
	// ModeProcessing runs a command turn. Transcripts are ignored.
	ModeProcessing Mode = "processing"
)

// ParseControlMode maps the mode names used by clients in mode_change
// messages onto a Mode.
func ParseControlMode(s string) (Mode, error) {
	switch s {
	case "wake_word", string(ModeTriggerWait):
		return ModeTriggerWait, nil
	case string(ModeCommand):
		return ModeCommand, nil
	case string(ModeInactive):
		return ModeInactive, nil
	}
	return "", fmt.Errorf("voice: unknown mode %q", s)
}

// TriggerKind enumerates the inputs of [Transition].
type TriggerKind int

const (
	// TranscriptFinal is a finalized transcript.
	TranscriptFinal TriggerKind = iota + 1
	// TranscriptInterim is partial transcript activity.
	TranscriptInterim
	// InactivityTimeout fires when the command window elapsed.
	InactivityTimeout
	// ProcessingDone reports that a command turn finished.
	ProcessingDone
	// SettleElapsed fires once the settle delay after processing passed.
	SettleElapsed
	// Control is an explicit mode change from the client.
	Control
	// Close ends the session.
	Close
)

func (k TriggerKind) String() string {
	switch k {
	case TranscriptFinal:
		return "transcript_final"
	case TranscriptInterim:
		return "transcript_interim"
	case InactivityTimeout:
		return "inactivity_timeout"
	case ProcessingDone:
		return "processing_done"
	case SettleElapsed:
		return "settle_elapsed"
	case Control:
		return "control"
	case Close:
		return "close"
	}
	return fmt.Sprintf("trigger(%d)", int(k))
}

// Trigger is one input to the state machine. Phrase matching happens before
// the transition so Transition itself stays pure.
type Trigger struct {
	Kind TriggerKind

	// Text is the command to process. For a trigger phrase spoken together
	// with a command it holds the words after the trigger.
	Text string

	// Wake is set when a final transcript matched a trigger phrase.
	Wake bool

	// Stop is set when a final transcript matched a termination phrase.
	Stop bool

	// Target is the requested mode of a Control trigger.
	Target Mode

	// gen identifies the timer or turn that produced a timeout or
	// ProcessingDone trigger.
	gen uint64
}

// Effect is a side effect requested by [Transition]. The session executes
// effects in order.
type Effect int

const (
	// StartInactivity (re)arms the inactivity timer.
	StartInactivity Effect = iota + 1
	// StopTimers cancels the inactivity and settle timers.
	StopTimers
	// Process runs the command turn for Trigger.Text.
	Process
	// StartSettle arms the settle timer.
	StartSettle
	// Release frees the session's resources.
	Release
)

func (e Effect) String() string {
	switch e {
	case StartInactivity:
		return "start_inactivity"
	case StopTimers:
		return "stop_timers"
	case Process:
		return "process"
	case StartSettle:
		return "start_settle"
	case Release:
		return "release"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Transition returns the next mode and the effects to run for trigger t in
// mode m. Inputs that do not apply to m leave the mode unchanged with no
// effects. While processing, only a switch to inactive is honoured; the turn
// otherwise always settles back to trigger_wait.
func Transition(m Mode, t Trigger) (Mode, []Effect) {
	switch t.Kind {
	case Close:
		return ModeInactive, []Effect{StopTimers, Release}

	case Control:
		if m == ModeProcessing && t.Target != ModeInactive {
			return m, nil
		}
		switch t.Target {
		case ModeCommand:
			return ModeCommand, []Effect{StopTimers, StartInactivity}
		case ModeTriggerWait, ModeInactive:
			return t.Target, []Effect{StopTimers}
		}
		return m, nil

	case TranscriptInterim:
		if m == ModeCommand {
			return ModeCommand, []Effect{StartInactivity}
		}
		return m, nil

	case TranscriptFinal:
		switch m {
		case ModeTriggerWait:
			if !t.Wake {
				return m, nil
			}
			if t.Text != "" {
				return ModeProcessing, []Effect{StopTimers, Process}
			}
			return ModeCommand, []Effect{StartInactivity}
		case ModeCommand:
			if t.Stop {
				return ModeTriggerWait, []Effect{StopTimers}
			}
			return ModeProcessing, []Effect{StopTimers, Process}
		}
		return m, nil

	case InactivityTimeout:
		if m == ModeCommand {
			return ModeTriggerWait, []Effect{StopTimers}
		}
		return m, nil

	case ProcessingDone:
		if m == ModeProcessing {
			return ModeProcessing, []Effect{StartSettle}
		}
		return m, nil

	case SettleElapsed:
		if m == ModeProcessing {
			return ModeTriggerWait, nil
		}
		return m, nil
	}
	return m, nil
}
