package app

import "fmt"

// DomainError is a service-level rejection that already knows how it should
// surface on the wire: HTTP status, stable machine code, and a human message.
// Details carries optional structured context, such as the offending field.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}
