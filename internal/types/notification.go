package types

// Code identifies a notification reported to the operator.
// Values match the message codes the cell's operator console expects.
type Code int

const (
	CodeUnexpectedError        Code = 0
	CodeKnownError             Code = 1
	CodeObjectNotMoved         Code = 10
	CodeWrongObjectRemoved     Code = 11
	CodeWrongNumberMoved       Code = 12
	CodeObjectNotFound         Code = 13
	CodeCorrectObjectMoved     Code = 14
	CodeCurrentRequestedObject Code = 15
	CodeJobQueueEmpty          Code = 16
)

var codeNames = map[Code]string{
	CodeUnexpectedError:        "UNEXPECTED_ERROR",
	CodeKnownError:             "KNOWN_ERROR",
	CodeObjectNotMoved:         "OBJECT_NOT_MOVED",
	CodeWrongObjectRemoved:     "WRONG_OBJECT_REMOVED",
	CodeWrongNumberMoved:       "WRONG_NUMBER_MOVED",
	CodeObjectNotFound:         "OBJECT_NOT_FOUND",
	CodeCorrectObjectMoved:     "CORRECT_OBJECT_MOVED",
	CodeCurrentRequestedObject: "CURRENT_REQUESTED_OBJECT",
	CodeJobQueueEmpty:          "JOB_QUEUE_EMPTY",
}

// String returns the wire name of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Notification is one operator-facing message
type Notification struct {
	Code Code   `json:"code"`
	Name string `json:"name"`
	Item Item   `json:"item"`
	Text string `json:"text"`
}
