package pack

import "bmsfw/internal/params"

// ContactorCommand is the commanded position of one contactor.
type ContactorCommand uint8

const (
	CmdOpen ContactorCommand = iota
	CmdClose
)

// ContactorFeedback is the sensed position of one contactor.
type ContactorFeedback uint8

const (
	FeedbackUnknown ContactorFeedback = iota
	FeedbackOpen
	FeedbackClosed
)

// ContactorIO is the out-of-scope external collaborator that drives and
// reads back the physical minus/precharge/plus contactors per string,
// and the interlock loop. The pack orchestrator only ever sees this
// narrow seam, grounded on the teacher's GPIO-pin abstraction
// (services/hal's IRQPin/PinInput style narrow hardware interfaces).
type ContactorIO interface {
	CommandMinus(s params.StringIndex, cmd ContactorCommand)
	CommandPrecharge(s params.StringIndex, cmd ContactorCommand)
	CommandPlus(s params.StringIndex, cmd ContactorCommand)

	FeedbackMinus(s params.StringIndex) ContactorFeedback
	FeedbackPrecharge(s params.StringIndex) ContactorFeedback
	FeedbackPlus(s params.StringIndex) ContactorFeedback

	InterlockClosed() bool
}
