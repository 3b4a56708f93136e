package dispatch

import "github.com/google/uuid"

// IDProvider issues request identifiers.
type IDProvider interface {
	NewRequestID() RequestID
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewRequestID() RequestID {
	value, err := uuid.NewV7()
	if err != nil {
		return RequestID(uuid.NewString())
	}
	return RequestID(value.String())
}
