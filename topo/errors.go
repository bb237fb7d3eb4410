package topo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

// Server error codes.
const (
	codeHostUnreachable                 = 6
	codeHostNotFound                    = 7
	codeNamespaceNotFound               = 26
	codeIndexNotFound                   = 27
	codeNamespaceExists                 = 48
	codeIndexAlreadyExists              = 68
	codeIndexOptionsConflict            = 85
	codeIndexKeySpecsConflict           = 86
	codeNetworkTimeout                  = 89
	codeShutdownInProgress              = 91
	codePrimarySteppedDown              = 189
	codeSocketException                 = 9001
	codeNotWritablePrimary              = 10107
	codeInterruptedAtShutdown           = 11600
	codeInterruptedDueToReplStateChange = 11602
	codeNotPrimaryNoSecondaryOk         = 13435
	codeNotPrimaryOrSecondary           = 13436
)

//nolint:gochecknoglobals
var transientCodes = []int{
	codeHostUnreachable,
	codeHostNotFound,
	codeNetworkTimeout,
	codeShutdownInProgress,
	codePrimarySteppedDown,
	codeSocketException,
	codeNotWritablePrimary,
	codeInterruptedAtShutdown,
	codeInterruptedDueToReplStateChange,
	codeNotPrimaryNoSecondaryOk,
	codeNotPrimaryOrSecondary,
}

//nolint:gochecknoglobals
var idempotentCommandCodes = []int{
	codeNamespaceNotFound,
	codeIndexNotFound,
	codeNamespaceExists,
	codeIndexAlreadyExists,
	codeIndexOptionsConflict,
	codeIndexKeySpecsConflict,
}

// IsTransient reports whether err is a network or replica set state error worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return false
	}

	if mongo.IsNetworkError(err) {
		return true
	}

	se, ok := errors.AsType[mongo.ServerError](err)
	if !ok {
		return false
	}

	if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
		return true
	}

	for _, code := range transientCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// IsDuplicateKey reports whether err is a duplicate key write error.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

// IsIdempotentCommandError reports whether a replayed command failed only because
// its effect is already present on the target (or its target is already gone).
func IsIdempotentCommandError(err error) bool {
	se, ok := errors.AsType[mongo.ServerError](err)
	if !ok {
		return false
	}

	for _, code := range idempotentCommandCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// IsNamespaceNotFound reports whether err is a NamespaceNotFound server error.
func IsNamespaceNotFound(err error) bool {
	se, ok := errors.AsType[mongo.ServerError](err)

	return ok && se.HasErrorCode(codeNamespaceNotFound)
}
