package router

import "errors"

var ErrNilResolver = errors.New("router requires a connection resolver")
