package errors

import "errors"

var (
	ErrMissingInput      = errors.New("missing required input")
	ErrMissingCredential = errors.New("api key could not be resolved")
	ErrRemoteDelete      = errors.New("failed to delete remote objects")
	ErrRemoteUpload      = errors.New("failed to upload archive")
	ErrStackDeploy       = errors.New("stack deployment failed")
	ErrVerification      = errors.New("stack verification failed")
	ErrStackNotFound     = errors.New("stack not found")
	ErrPolicyViolation   = errors.New("template violates deployment policy")
	ErrConflictingInput  = errors.New("conflicting inputs")
)
