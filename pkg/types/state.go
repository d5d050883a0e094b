package types

// ConversationState is the position of one conversation in the response
// state machine.
type ConversationState string

// Conversation state constants
const (
	StateIdle        ConversationState = "idle"
	StateDeciding    ConversationState = "deciding"
	StateGenerating  ConversationState = "generating"
	StatePacing      ConversationState = "pacing"
	StateDispatching ConversationState = "dispatching"
	StateHalted      ConversationState = "halted" // Store invariant broken; terminal
)

// ValidConversationStates contains all valid conversation states
var ValidConversationStates = []ConversationState{
	StateIdle,
	StateDeciding,
	StateGenerating,
	StatePacing,
	StateDispatching,
	StateHalted,
}

// IsValidConversationState checks if the given state is a known state.
func IsValidConversationState(state ConversationState) bool {
	for _, validState := range ValidConversationStates {
		if state == validState {
			return true
		}
	}
	return false
}

// IsValidStateTransition validates conversation state transitions.
//
// Valid transitions:
//
//	idle -> deciding | halted
//	deciding -> idle | generating | halted
//	generating -> idle | pacing
//	pacing -> idle | dispatching
//	dispatching -> idle | halted
//	halted -> (terminal, no transitions out)
func IsValidStateTransition(current, next ConversationState) bool {
	switch current {
	case StateIdle:
		return next == StateDeciding || next == StateHalted

	case StateDeciding:
		return next == StateIdle || next == StateGenerating || next == StateHalted

	case StateGenerating:
		return next == StateIdle || next == StatePacing

	case StatePacing:
		return next == StateIdle || next == StateDispatching

	case StateDispatching:
		return next == StateIdle || next == StateHalted

	case StateHalted:
		return false

	default:
		return false
	}
}
