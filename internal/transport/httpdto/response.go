package httpdto

// Response is the envelope of every JSON reply. Failed replies carry the
// request id so a user can quote it when the detail was only logged.
type Response[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

func NewErrorResponse(message, code string) Response[any] {
	return Response[any]{Error: message, Code: code}
}

func (r Response[T]) WithRequestID(id string) Response[T] {
	r.RequestID = id
	return r
}

// Failed reports whether the envelope describes an error, whatever the status.
func (r Response[T]) Failed() bool {
	return !r.Success || r.Error != ""
}
