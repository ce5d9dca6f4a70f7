package session

import (
	"errors"
	"fmt"

	"livelocation/pkg/types"
)

var (
	ErrDuplicateSession  = errors.New("session id already in use")
	ErrNoRecipients      = fmt.Errorf("%w: at least one recipient other than the sharer is required", types.ErrInvalidRequest)
	ErrTooManyRecipients = fmt.Errorf("%w: too many recipients", types.ErrInvalidRequest)
	ErrInvalidDuration   = fmt.Errorf("%w: duration must be positive and within the allowed maximum", types.ErrInvalidRequest)
	ErrInvalidSharer     = fmt.Errorf("%w: invalid sharer identity", types.ErrInvalidRequest)
)
