package email

import "errors"

// SendEmailResponse is returned to the bus caller. An empty Error means the
// message was delivered; there is no partial success.
//
// Kind is additive: older callers only read Error.
type SendEmailResponse struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}

// Success returns the response for a delivered message.
func Success() SendEmailResponse {
	return SendEmailResponse{}
}

// Failure builds the response for err. Unclassified errors are reported as
// Internal.
func Failure(err error) SendEmailResponse {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindInternal, err)
		return SendEmailResponse{Error: e.Error(), Kind: e.Kind}
	}
	return SendEmailResponse{Error: err.Error(), Kind: e.Kind}
}

// OK reports whether the response denotes success.
func (r SendEmailResponse) OK() bool {
	return r.Error == ""
}
