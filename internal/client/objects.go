package client

import stderrors "errors"

// ErrObjectNotFound is returned by object stores for a missing key.
var ErrObjectNotFound = stderrors.New("object not found")
