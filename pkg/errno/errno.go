package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Is matches on Code so that errors.Is keeps working after WithMessage.
func (e Errno) Is(target error) bool {
	var t Errno
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e Errno) WithMessage(msg string) Errno {
	e.Message = msg
	return e
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, err.Error()
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, err.Error()
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrUnauthorized     = Errno{Code: 10003, Message: "Caller is not authorized"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Minter Errors (30000+)
var (
	ErrTemporarilyUnavailable = Errno{Code: 30001, Message: "Temporarily unavailable"}
	ErrAlreadyProcessing      = Errno{Code: 30002, Message: "Already processing"}
	ErrInsufficientFunds      = Errno{Code: 30003, Message: "Insufficient funds"}
	ErrMalformedAddress       = Errno{Code: 30004, Message: "Malformed destination address"}
	ErrAmountTooLow           = Errno{Code: 30005, Message: "Amount too low"}
	ErrSelfCustody            = Errno{Code: 30006, Message: "Owner resolves to the minter custody identity"}
	ErrNoNewUtxos             = Errno{Code: 30007, Message: "No new utxos"}
	ErrGeneric                = Errno{Code: 30008, Message: "Generic error"}
	ErrInvalidSubaccount      = Errno{Code: 30010, Message: "Subaccount must be 32 bytes"}
	ErrNotFound               = Errno{Code: 30011, Message: "Not found"}
	ErrInvalidConfig          = Errno{Code: 30012, Message: "Invalid configuration"}
	ErrInvariantViolation     = Errno{Code: 39999, Message: "Invariant violation"}
)
