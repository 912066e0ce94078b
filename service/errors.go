package service

// Sentinel errors returned by this package's constructors and Request
// methods.
var (
	ErrArgRequired         = errorf("argument required")
	ErrConfigValidation    = errorf("invalid configuration")
	ErrHandler             = errorf("handler required")
	ErrMarshalResponse     = errorf("failed to marshal response")
	ErrRespond             = errorf("failed to respond to request")
	ErrServiceNameRequired = errorf("service name required")
	ErrVerbNotSupported    = errorf("unsupported verb")
)
