package protocol

import "github.com/pkg/errors"

// ErrMalformedPayload is returned when an envelope's data does not decode or validate.
var ErrMalformedPayload = errors.New("malformed payload")
